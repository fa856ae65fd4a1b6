package password

import (
	"strings"
	"testing"
)

func violationCodes(vs []Violation) []string {
	codes := make([]string, 0, len(vs))
	for _, v := range vs {
		codes = append(codes, v.Code)
	}
	return codes
}

func hasCode(vs []Violation, code string) bool {
	for _, v := range vs {
		if v.Code == code {
			return true
		}
	}
	return false
}

func TestCheckPolicy(t *testing.T) {
	tests := []struct {
		name      string
		candidate string
		ids       []string
		wantCodes []string
	}{
		{
			name:      "nine characters rejected",
			candidate: "abcdefg12",
			wantCodes: []string{CodeTooShort},
		},
		{
			name:      "ten characters with letter and digit accepted",
			candidate: "abcdefgh12",
		},
		{
			name:      "acceptable passphrase",
			candidate: "CorrectHorse9",
		},
		{
			name:      "digits only",
			candidate: "98127319273123",
			wantCodes: []string{CodeMissingLetter},
		},
		{
			name:      "letters only",
			candidate: "abcdefghijkl",
			wantCodes: []string{CodeMissingDigit},
		},
		{
			name:      "short and digitless",
			candidate: "abc",
			wantCodes: []string{CodeTooShort, CodeMissingDigit},
		},
		{
			name:      "blocklisted",
			candidate: "password123",
			wantCodes: []string{CodeBlocklisted},
		},
		{
			name:      "blocklist is case insensitive",
			candidate: "PASSWORD123",
			wantCodes: []string{CodeBlocklisted},
		},
		{
			name:      "equals email",
			candidate: "alice99@x.io",
			ids:       []string{"alice99@x.io", "+15550001111"},
			wantCodes: []string{CodeMatchesIdentifier},
		},
		{
			name:      "equals email ignoring case",
			candidate: "Alice99@X.io",
			ids:       []string{"alice99@x.io"},
			wantCodes: []string{CodeMatchesIdentifier},
		},
		{
			name:      "equals phone",
			candidate: "+1555000111100",
			ids:       []string{"alice99@x.io", "+1555000111100"},
			wantCodes: []string{CodeMissingLetter, CodeMatchesIdentifier},
		},
		{
			name:      "identifiers do not reject other passwords",
			candidate: "CorrectHorse9",
			ids:       []string{"alice99@x.io", "+15550001111"},
		},
		{
			name:      "oversized",
			candidate: strings.Repeat("a", maxPasswordBytes) + "1x",
			wantCodes: []string{CodeTooLong},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CheckPolicy(tt.candidate, tt.ids...)
			if len(tt.wantCodes) == 0 {
				if len(got) != 0 {
					t.Fatalf("CheckPolicy(%q) = %v, want none", tt.candidate, violationCodes(got))
				}
				return
			}
			if len(got) != len(tt.wantCodes) {
				t.Fatalf("CheckPolicy(%q) = %v, want %v", tt.candidate, violationCodes(got), tt.wantCodes)
			}
			for _, code := range tt.wantCodes {
				if !hasCode(got, code) {
					t.Errorf("CheckPolicy(%q) missing %s, got %v", tt.candidate, code, violationCodes(got))
				}
			}
		})
	}
}

func TestCheckPolicyMessagesCarryNoInput(t *testing.T) {
	// Violation messages end up in client-facing envelopes; they must not
	// echo the candidate back.
	got := CheckPolicy("alice99@x.io", "alice99@x.io")
	for _, v := range got {
		if strings.Contains(v.Message, "alice99") {
			t.Errorf("violation message echoes input: %q", v.Message)
		}
	}
}
