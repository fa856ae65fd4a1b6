package token

import "errors"

// Verification failures, in the order they are checked: a malformed token
// never reaches signature verification, a bad signature never reaches the
// time-bound checks, and only a token valid so far is inspected for variant
// and claim shape. Expired therefore always means "real token, out of time".
var (
	ErrMalformed    = errors.New("token: malformed")
	ErrBadSignature = errors.New("token: bad signature")
	ErrExpired      = errors.New("token: expired")
	ErrWrongVariant = errors.New("token: wrong variant")
	ErrMissingClaim = errors.New("token: missing claim")
)

// IsVerifyFailure reports whether err is one of the typed verification
// failures, as opposed to a configuration problem such as a missing key.
func IsVerifyFailure(err error) bool {
	return errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrBadSignature) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrWrongVariant) ||
		errors.Is(err, ErrMissingClaim)
}

// FailureName maps a verification failure to its stable audit string.
func FailureName(err error) string {
	switch {
	case errors.Is(err, ErrMalformed):
		return "MALFORMED"
	case errors.Is(err, ErrBadSignature):
		return "BAD_SIGNATURE"
	case errors.Is(err, ErrExpired):
		return "EXPIRED"
	case errors.Is(err, ErrWrongVariant):
		return "WRONG_VARIANT"
	case errors.Is(err, ErrMissingClaim):
		return "MISSING_CLAIM"
	default:
		return "ERROR"
	}
}
