// Package auth is the request-side gate of the portal: it turns a bearer
// token into a Principal on the request context and supplies the route
// guards (role, permission, verification, patient relationship, medical
// scope). Every denial it produces is audited before the response leaves.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// CookieAccessToken is the cookie consulted when no Authorization header
// is present.
const CookieAccessToken = "accessToken"

// HeaderMedicalToken carries the second, medical-scope token.
const HeaderMedicalToken = "X-Medical-Access-Token"

type contextKey string

const principalKey contextKey = "auth_principal"

// Principal is the authenticated caller as the pipeline attached it.
type Principal struct {
	SubjectID     string
	Role          string
	Permissions   []string
	EmailVerified bool
	PhoneVerified bool
	// TokenID is the jti of the presented access token.
	TokenID string
}

// HasPermission reports whether the principal carries perm.
func (p *Principal) HasPermission(perm string) bool {
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}
	return false
}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext returns the principal attached by the pipeline, if any.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}

// PrincipalFrom is FromContext for echo handlers.
func PrincipalFrom(c echo.Context) (*Principal, bool) {
	return FromContext(c.Request().Context())
}

// SubjectRecord is the slice of the account record the pipeline consults.
type SubjectRecord struct {
	SubjectID         string
	Role              string
	Permissions       []string
	IsActive          bool
	IsEmailVerified   bool
	IsPhoneVerified   bool
	PasswordUpdatedAt time.Time
}

// ErrSubjectNotFound is returned by a SubjectSource when no record exists
// for the subject id.
var ErrSubjectNotFound = errors.New("auth: subject not found")

// SubjectSource loads the record behind a verified token. Implementations
// may cache; the pipeline tolerates staleness up to the access-token TTL.
type SubjectSource interface {
	Lookup(ctx context.Context, subjectID string) (*SubjectRecord, error)
}

// ExtractToken pulls the access token from the request: the Authorization
// header when present (scheme case-insensitive, exactly one space), else
// the accessToken cookie. A malformed Authorization header does not fall
// through to the cookie; the client said how it authenticates and got it
// wrong.
func ExtractToken(r *http.Request) (string, bool) {
	if h := strings.TrimSpace(r.Header.Get(echo.HeaderAuthorization)); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return "", false
		}
		tok := strings.TrimSpace(parts[1])
		return tok, tok != ""
	}
	if ck, err := r.Cookie(CookieAccessToken); err == nil {
		tok := strings.TrimSpace(ck.Value)
		return tok, tok != ""
	}
	return "", false
}
