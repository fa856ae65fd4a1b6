package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/careportal/careportal/internal/platform/api"
	"github.com/careportal/careportal/internal/platform/audit"
	"github.com/careportal/careportal/internal/platform/token"
)

// SeenStore remembers medical token ids that have been redeemed. MarkSeen
// records id and reports whether it had been recorded before; the record
// may be dropped once ttl elapses, because an expired token fails
// verification anyway.
type SeenStore interface {
	MarkSeen(ctx context.Context, id string, ttl time.Duration) (bool, error)
}

// RequireMedicalScope gates a route behind a second, medical-scope token
// presented in the X-Medical-Access-Token header. The token must be bound
// to the calling provider, name the patient in the route param, grant the
// requested action, and never have been redeemed before.
func (g *Guard) RequireMedicalScope(action, param string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			pr, ok := PrincipalFrom(c)
			if !ok {
				return g.denyUnauthenticated(c)
			}

			raw := strings.TrimSpace(c.Request().Header.Get(HeaderMedicalToken))
			if raw == "" {
				return g.denyMedicalToken(c, pr.SubjectID, "MISSING")
			}
			claims, err := g.codec.VerifyMedical(raw)
			if err != nil {
				return g.denyMedicalToken(c, pr.SubjectID, token.FailureName(err))
			}

			patientID := c.Param(param)
			reason := ""
			switch {
			case claims.ProviderID != pr.SubjectID:
				reason = "token bound to another provider"
			case patientID == "" || claims.PatientID != patientID:
				reason = "token bound to another patient"
			case !claims.Allows(action):
				reason = "action not granted"
			}
			if reason != "" {
				e := eventFor(c, audit.TypeUnauthorizedPatient, audit.OutcomeDenied, pr.SubjectID)
				e.Target = patientID
				e.Details = map[string]any{"flow": "medical", "reason": reason}
				if aerr := g.auditor.WriteSync(c.Request().Context(), e); aerr != nil {
					return aerr
				}
				return api.Forbidden("medical access token does not grant this access")
			}

			// Single use. The seen record only needs to outlive the token.
			ttl := claims.ExpiresAt.Time.Sub(g.clock.Now())
			if ttl < time.Second {
				ttl = time.Second
			}
			seen, err := g.seen.MarkSeen(c.Request().Context(), claims.ID, ttl)
			if err != nil {
				// Single-use enforcement is a security control; a broken
				// store denies rather than admits.
				return api.Degraded("service temporarily unavailable").WithCause(err)
			}
			if seen {
				return g.denyMedicalToken(c, pr.SubjectID, "REUSED")
			}

			e := eventFor(c, audit.TypeMedicalTokenAccess, audit.OutcomeSuccess, pr.SubjectID)
			e.Target = claims.PatientID
			e.Details = map[string]any{"recordType": claims.RecordType, "action": action}
			_ = g.auditor.Write(c.Request().Context(), e)

			return next(c)
		}
	}
}

func (g *Guard) denyMedicalToken(c echo.Context, subjectID, failure string) error {
	e := eventFor(c, audit.TypeInvalidToken, audit.OutcomeDenied, subjectID)
	e.Details = map[string]any{"flow": "medical", "failure": failure}
	if err := g.auditor.WriteSync(c.Request().Context(), e); err != nil {
		return err
	}
	return api.Unauthorized("invalid medical access token")
}

// MemorySeenStore tracks redeemed ids in process. Entries expire with the
// token they belong to; a background sweep drops them.
type MemorySeenStore struct {
	mu        sync.Mutex
	entries   map[string]time.Time
	done      chan struct{}
	closeOnce sync.Once
}

func NewMemorySeenStore() *MemorySeenStore {
	s := &MemorySeenStore{
		entries: make(map[string]time.Time),
		done:    make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemorySeenStore) MarkSeen(_ context.Context, id string, ttl time.Duration) (bool, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.entries[id]; ok && now.Before(exp) {
		return true, nil
	}
	s.entries[id] = now.Add(ttl)
	return false, nil
}

func (s *MemorySeenStore) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *MemorySeenStore) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.done:
			return
		}
	}
}

func (s *MemorySeenStore) cleanup() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, exp := range s.entries {
		if now.After(exp) {
			delete(s.entries, id)
		}
	}
}

// RedisSeenStore tracks redeemed ids in Redis, so every instance of the
// service agrees on first use.
type RedisSeenStore struct {
	client redis.UniversalClient
}

func NewRedisSeenStore(client redis.UniversalClient) *RedisSeenStore {
	return &RedisSeenStore{client: client}
}

func (s *RedisSeenStore) MarkSeen(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	first, err := s.client.SetNX(ctx, "medical_seen:"+id, 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return !first, nil
}
