package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/careportal/careportal/internal/platform/api"
	"github.com/careportal/careportal/internal/platform/audit"
	"github.com/careportal/careportal/internal/platform/secrets"
	"github.com/careportal/careportal/internal/platform/token"
)

// Verification levels accepted by RequireVerified.
const (
	VerifiedEmail         = "email"
	VerifiedEmailAndPhone = "email+phone"
)

// RelationshipChecker answers whether a provider currently treats a
// patient.
type RelationshipChecker interface {
	HasProviderPatient(ctx context.Context, providerID, patientID string, at time.Time) (bool, error)
}

// Guard builds the route guards. All of them expect the pipeline to have
// run first.
type Guard struct {
	codec   *token.Codec
	rel     RelationshipChecker
	seen    SeenStore
	auditor *audit.Logger
	clock   secrets.Clock
}

func NewGuard(codec *token.Codec, rel RelationshipChecker, seen SeenStore, auditor *audit.Logger, clock secrets.Clock) *Guard {
	if clock == nil {
		clock = secrets.SystemClock{}
	}
	return &Guard{codec: codec, rel: rel, seen: seen, auditor: auditor, clock: clock}
}

// RequireRole admits principals whose role is in the allowed set. There is
// no implicit admin pass; a route that admits admins lists them.
func (g *Guard) RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			pr, ok := PrincipalFrom(c)
			if !ok {
				return g.denyUnauthenticated(c)
			}
			for _, r := range roles {
				if pr.Role == r {
					return next(c)
				}
			}
			e := eventFor(c, audit.TypeUnauthorizedRole, audit.OutcomeDenied, pr.SubjectID)
			e.Details = map[string]any{"role": pr.Role, "required": strings.Join(roles, " or ")}
			if err := g.auditor.WriteSync(c.Request().Context(), e); err != nil {
				return err
			}
			return api.Forbidden("insufficient role")
		}
	}
}

// RequirePermissions admits principals carrying every listed permission.
func (g *Guard) RequirePermissions(perms ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			pr, ok := PrincipalFrom(c)
			if !ok {
				return g.denyUnauthenticated(c)
			}
			for _, perm := range perms {
				if !pr.HasPermission(perm) {
					e := eventFor(c, audit.TypeInsufficientPermissions, audit.OutcomeDenied, pr.SubjectID)
					e.Details = map[string]any{"missing": perm}
					if err := g.auditor.WriteSync(c.Request().Context(), e); err != nil {
						return err
					}
					return api.Forbidden("insufficient permissions")
				}
			}
			return next(c)
		}
	}
}

// RequireVerified admits principals whose contact verification reaches
// level: VerifiedEmail or VerifiedEmailAndPhone.
func (g *Guard) RequireVerified(level string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			pr, ok := PrincipalFrom(c)
			if !ok {
				return g.denyUnauthenticated(c)
			}
			missing := ""
			switch {
			case !pr.EmailVerified:
				missing = "email verification required"
			case level == VerifiedEmailAndPhone && !pr.PhoneVerified:
				missing = "phone verification required"
			}
			if missing == "" {
				return next(c)
			}
			e := eventFor(c, audit.TypeInsufficientPermissions, audit.OutcomeDenied, pr.SubjectID)
			e.Details = map[string]any{"missing": missing}
			if err := g.auditor.WriteSync(c.Request().Context(), e); err != nil {
				return err
			}
			return api.Forbidden(missing)
		}
	}
}

// RequirePatientAccess gates a route whose param names a patient. Admins
// pass and are audited; patients pass for their own id; providers pass
// when an active treatment relationship exists. Everyone else is denied
// with a high-severity audit entry.
func (g *Guard) RequirePatientAccess(param string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			pr, ok := PrincipalFrom(c)
			if !ok {
				return g.denyUnauthenticated(c)
			}
			patientID := c.Param(param)
			if patientID == "" {
				return api.Malformed("missing patient id")
			}

			switch pr.Role {
			case "admin":
				e := eventFor(c, audit.TypeAdminAccess, audit.OutcomeSuccess, pr.SubjectID)
				e.Target = patientID
				_ = g.auditor.Write(c.Request().Context(), e)
				return next(c)
			case "patient":
				if pr.SubjectID == patientID {
					return next(c)
				}
			case "provider":
				treating, err := g.rel.HasProviderPatient(c.Request().Context(), pr.SubjectID, patientID, g.clock.Now())
				if err != nil {
					return fmt.Errorf("auth: relationship check: %w", err)
				}
				if treating {
					e := eventFor(c, audit.TypeProviderAccess, audit.OutcomeSuccess, pr.SubjectID)
					e.Target = patientID
					_ = g.auditor.Write(c.Request().Context(), e)
					return next(c)
				}
			}

			e := eventFor(c, audit.TypeUnauthorizedPatient, audit.OutcomeDenied, pr.SubjectID)
			e.Target = patientID
			e.Details = map[string]any{"role": pr.Role}
			if err := g.auditor.WriteSync(c.Request().Context(), e); err != nil {
				return err
			}
			return api.Forbidden("not permitted to access this patient's records")
		}
	}
}

func (g *Guard) denyUnauthenticated(c echo.Context) error {
	e := eventFor(c, audit.TypeUnauthenticatedAttempt, audit.OutcomeDenied, "")
	if err := g.auditor.WriteSync(c.Request().Context(), e); err != nil {
		return err
	}
	return api.Unauthorized("authentication required")
}
