package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/careportal/careportal/internal/platform/api"
	"github.com/careportal/careportal/internal/platform/audit"
	"github.com/careportal/careportal/internal/platform/secrets"
	"github.com/careportal/careportal/internal/platform/token"
)

var authOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "auth_outcomes_total",
	Help: "Access-token authentication outcomes.",
}, []string{"outcome"})

// Pipeline authenticates requests: extract token, verify, load subject,
// attach Principal. Denials are audited synchronously; the success event
// rides the async audit buffer.
type Pipeline struct {
	codec    *token.Codec
	subjects SubjectSource
	auditor  *audit.Logger
	clock    secrets.Clock
}

func NewPipeline(codec *token.Codec, subjects SubjectSource, auditor *audit.Logger, clock secrets.Clock) *Pipeline {
	if clock == nil {
		clock = secrets.SystemClock{}
	}
	return &Pipeline{codec: codec, subjects: subjects, auditor: auditor, clock: clock}
}

// Authenticate rejects requests without a valid access token.
func (p *Pipeline) Authenticate() echo.MiddlewareFunc {
	return p.middleware(false)
}

// AuthenticateOptional lets token-less requests through without a
// Principal; a presented token is still fully checked.
func (p *Pipeline) AuthenticateOptional() echo.MiddlewareFunc {
	return p.middleware(true)
}

func (p *Pipeline) middleware(optional bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, ok := ExtractToken(c.Request())
			if !ok {
				if optional {
					return next(c)
				}
				e := eventFor(c, audit.TypeUnauthenticatedAttempt, audit.OutcomeDenied, "")
				if err := p.auditor.WriteSync(c.Request().Context(), e); err != nil {
					return err
				}
				return api.Unauthorized("authentication required")
			}

			claims, err := p.codec.VerifyAccess(raw)
			if err != nil {
				authOutcomes.WithLabelValues(strings.ToLower(token.FailureName(err))).Inc()
				e := eventFor(c, audit.TypeInvalidToken, audit.OutcomeDenied, "")
				e.Details = map[string]any{"failure": token.FailureName(err)}
				if aerr := p.auditor.WriteSync(c.Request().Context(), e); aerr != nil {
					return aerr
				}
				// One message for every 401: the audit entry carries the
				// real cause, the client gets no oracle.
				return api.Unauthorized("authentication required")
			}

			rec, err := p.subjects.Lookup(c.Request().Context(), claims.Subject)
			if err != nil {
				if errors.Is(err, ErrSubjectNotFound) {
					authOutcomes.WithLabelValues("unknown_subject").Inc()
					e := eventFor(c, audit.TypeInactiveOrMissingSubject, audit.OutcomeDenied, claims.Subject)
					if aerr := p.auditor.WriteSync(c.Request().Context(), e); aerr != nil {
						return aerr
					}
					return api.Unauthorized("authentication required")
				}
				return fmt.Errorf("auth: load subject: %w", err)
			}
			if !rec.IsActive {
				authOutcomes.WithLabelValues("inactive").Inc()
				e := eventFor(c, audit.TypeInactiveOrMissingSubject, audit.OutcomeDenied, rec.SubjectID)
				if aerr := p.auditor.WriteSync(c.Request().Context(), e); aerr != nil {
					return aerr
				}
				return api.Forbidden("account is deactivated")
			}

			// A password change revokes every token minted before it.
			if issuedBefore(claims.IssuedAt, rec.PasswordUpdatedAt) {
				authOutcomes.WithLabelValues("superseded").Inc()
				e := eventFor(c, audit.TypeInvalidToken, audit.OutcomeDenied, rec.SubjectID)
				e.Details = map[string]any{"failure": "SUPERSEDED"}
				if aerr := p.auditor.WriteSync(c.Request().Context(), e); aerr != nil {
					return aerr
				}
				return api.Unauthorized("authentication required")
			}

			pr := &Principal{
				SubjectID:     rec.SubjectID,
				Role:          rec.Role,
				Permissions:   rec.Permissions,
				EmailVerified: rec.IsEmailVerified,
				PhoneVerified: rec.IsPhoneVerified,
				TokenID:       claims.ID,
			}
			c.SetRequest(c.Request().WithContext(WithPrincipal(c.Request().Context(), pr)))
			authOutcomes.WithLabelValues("success").Inc()

			// Low severity; the buffer may drop it under pressure.
			_ = p.auditor.Write(c.Request().Context(), eventFor(c, audit.TypeAuthenticationSuccess, audit.OutcomeSuccess, pr.SubjectID))

			return next(c)
		}
	}
}

// issuedBefore compares an iat claim against a revocation cutoff. The
// cutoff is truncated to whole seconds because iat has second precision;
// a token minted within the same second as the password change survives.
func issuedBefore(iat *jwt.NumericDate, cutoff time.Time) bool {
	if cutoff.IsZero() {
		return false
	}
	if iat == nil {
		return true
	}
	return iat.Time.Before(cutoff.Truncate(time.Second))
}

func eventFor(c echo.Context, typ string, outcome audit.Outcome, subjectID string) *audit.Event {
	return &audit.Event{
		Type:       typ,
		Outcome:    outcome,
		Subject:    subjectID,
		RemoteAddr: c.RealIP(),
		UserAgent:  c.Request().UserAgent(),
		RequestID:  api.RequestID(c),
	}
}
