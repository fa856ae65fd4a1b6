// Package redact masks protected health information in strings bound for
// logs, audit entries, or client-visible error bodies. Redaction is
// irreversible and idempotent: running an already-redacted string through the
// pipeline again is a no-op.
package redact

import (
	"regexp"
	"strings"
)

// Replacement markers. None of them contain digits, so re-running the
// pipeline never matches them again.
const (
	MaskedSSN   = "[REDACTED_SSN]"
	MaskedPhone = "[REDACTED_PHONE]"
	MaskedEmail = "[REDACTED_EMAIL]"
	MaskedID    = "[REDACTED_ID]"
	MaskedValue = "[REDACTED]"
)

// Compiled patterns, applied in the order declared below.
var (
	// 9-digit government-id-shaped tokens, dashed or bare.
	ssnPattern = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b|\b\d{9}\b`)

	// 10-11 digit phone-shaped tokens: bare runs, +-prefixed runs, and the
	// usual dashed or parenthesized US formats.
	phonePattern = regexp.MustCompile(`\+?\b\d{10,11}\b|\(\d{3}\)\s?\d{3}[-.\s]?\d{4}|\b\d{3}[-.]\d{3}[-.]\d{4}\b`)

	// RFC-5322-ish addresses. Deliberately loose: anything address-shaped
	// must not reach a log line.
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

	// 6-20 character alphanumeric tokens. Only treated as ids when they mix
	// letters and digits; see looksLikeID.
	idPattern = regexp.MustCompile(`\b[A-Za-z0-9]{6,20}\b`)

	// key=value / key: value pairs whose key names a credential or clinical
	// secret. The value (one token, or a quoted run) is blanked, the key kept.
	kvPattern = regexp.MustCompile(`(?i)\b(password|token|secret|prescription|ssn|creditCard)\b("?\s*[:=]\s*)("[^"]*"|\S+)`)

	sensitiveKeyPattern = regexp.MustCompile(`(?i)(password|token|secret|prescription|ssn|creditCard)`)
)

// String applies the redaction pipeline to s: SSN, then phone, then email,
// then sensitive key/value pairs. Id-shaped tokens are left alone here; use
// Detail for audit detail values.
func String(s string) string {
	s = ssnPattern.ReplaceAllString(s, MaskedSSN)
	s = phonePattern.ReplaceAllString(s, MaskedPhone)
	s = emailPattern.ReplaceAllString(s, MaskedEmail)
	s = kvPattern.ReplaceAllString(s, "${1}${2}"+MaskedValue)
	return s
}

// Detail redacts a string destined for an audit event's details map. On top
// of the String pipeline it also masks free-standing id-shaped tokens.
func Detail(s string) string {
	s = ssnPattern.ReplaceAllString(s, MaskedSSN)
	s = phonePattern.ReplaceAllString(s, MaskedPhone)
	s = emailPattern.ReplaceAllString(s, MaskedEmail)
	s = idPattern.ReplaceAllStringFunc(s, func(tok string) string {
		if looksLikeID(tok) {
			return MaskedID
		}
		return tok
	})
	s = kvPattern.ReplaceAllString(s, "${1}${2}"+MaskedValue)
	return s
}

// looksLikeID reports whether tok mixes letters and digits. Pure words and
// pure numbers shorter than the SSN/phone shapes are left readable.
func looksLikeID(tok string) bool {
	var hasLetter, hasDigit bool
	for _, r := range tok {
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		default:
			hasLetter = true
		}
	}
	return hasLetter && hasDigit
}

// Map deep-copies details, blanking values under sensitive keys and running
// every string value through Detail. The input map is never mutated; audit
// events must not share mutable state with handlers.
func Map(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if sensitiveKeyPattern.MatchString(k) {
			out[k] = MaskedValue
			continue
		}
		out[k] = value(v)
	}
	return out
}

func value(v any) any {
	switch t := v.(type) {
	case string:
		return Detail(t)
	case map[string]any:
		return Map(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = value(e)
		}
		return cp
	case []string:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = Detail(e)
		}
		return cp
	default:
		return v
	}
}

// MaskID keeps the last four characters of an identifier and hides the rest.
// Short identifiers come back as "***" plus whatever they had. Masking an
// already-masked id is a no-op.
func MaskID(id string) string {
	if id == "" {
		return ""
	}
	if strings.HasPrefix(id, "***") {
		return id
	}
	if len(id) <= 4 {
		return "***" + id
	}
	return "***" + id[len(id)-4:]
}

// Error produces a client-safe rendering of err. Internal detail beyond the
// redacted message belongs in the audit trail, keyed by error id.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(strings.TrimSpace(err.Error()))
}
