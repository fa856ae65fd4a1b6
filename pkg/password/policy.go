package password

import (
	"strings"
	"unicode"
)

// MinLength is the portal-wide password length floor.
const MinLength = 10

// Violation is one policy failure. Code is stable and machine readable;
// Message is safe to show to the user.
type Violation struct {
	Code    string
	Message string
}

// Policy violation codes.
const (
	CodeTooShort          = "TOO_SHORT"
	CodeTooLong           = "TOO_LONG"
	CodeMissingLetter     = "MISSING_LETTER"
	CodeMissingDigit      = "MISSING_DIGIT"
	CodeBlocklisted       = "BLOCKLISTED"
	CodeMatchesIdentifier = "MATCHES_IDENTIFIER"
)

// blocklist holds passwords seen constantly in credential-stuffing lists.
// Everything shorter than MinLength is already rejected by the length
// rule, so only long entries appear here.
var blocklist = map[string]struct{}{
	"password12":   {},
	"password123":  {},
	"password1234": {},
	"1234567890":   {},
	"12345678910":  {},
	"qwertyuiop":   {},
	"1q2w3e4r5t":   {},
	"iloveyou123":  {},
	"welcome123":   {},
	"admin12345":   {},
	"letmein123":   {},
	"changeme123":  {},
}

// CheckPolicy validates a candidate password. identifiers carries the
// account's email and phone so the password cannot equal either. The
// returned slice is empty when the password is acceptable; otherwise it
// lists every rule the password broke, not just the first.
func CheckPolicy(candidate string, identifiers ...string) []Violation {
	var out []Violation

	if len(candidate) < MinLength {
		out = append(out, Violation{
			Code:    CodeTooShort,
			Message: "must be at least 10 characters",
		})
	}
	if len(candidate) > maxPasswordBytes {
		out = append(out, Violation{
			Code:    CodeTooLong,
			Message: "must be at most 1024 characters",
		})
	}

	var hasLetter, hasDigit bool
	for _, r := range candidate {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasLetter {
		out = append(out, Violation{
			Code:    CodeMissingLetter,
			Message: "must contain at least one letter",
		})
	}
	if !hasDigit {
		out = append(out, Violation{
			Code:    CodeMissingDigit,
			Message: "must contain at least one digit",
		})
	}

	if _, ok := blocklist[strings.ToLower(candidate)]; ok {
		out = append(out, Violation{
			Code:    CodeBlocklisted,
			Message: "is too common",
		})
	}

	for _, id := range identifiers {
		if id == "" {
			continue
		}
		if strings.EqualFold(candidate, id) {
			out = append(out, Violation{
				Code:    CodeMatchesIdentifier,
				Message: "must not match your email or phone number",
			})
			break
		}
	}

	return out
}
