// Package ratelimit enforces fixed-window request budgets per key class.
// Windows align to the wall clock, so every instance of the service agrees
// on window boundaries without coordination; the store supplies the atomic
// increment inside a window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/careportal/careportal/internal/platform/secrets"
)

// Class selects which budget applies to a request.
type Class string

const (
	// ClassGeneral covers ordinary API traffic, keyed by remote address.
	ClassGeneral Class = "general"
	// ClassLogin covers credential attempts, keyed by the presented
	// identifier so a distributed guesser cannot rotate addresses.
	ClassLogin Class = "login"
	// ClassStrict covers sensitive operations, keyed by subject.
	ClassStrict Class = "strict"
	// ClassRegistration matches the general budget plus an optional
	// bot-heuristic hook at the middleware layer.
	ClassRegistration Class = "registration"
)

// Policy is one class's budget.
type Policy struct {
	Limit  int
	Window time.Duration
}

// DefaultPolicies returns the shipped budgets: 100/15m general and
// registration, 5/15m login, 10/15m strict.
func DefaultPolicies() map[Class]Policy {
	window := 15 * time.Minute
	return map[Class]Policy{
		ClassGeneral:      {Limit: 100, Window: window},
		ClassLogin:        {Limit: 5, Window: window},
		ClassStrict:       {Limit: 10, Window: window},
		ClassRegistration: {Limit: 100, Window: window},
	}
}

// Result reports one admission decision plus everything the rate-limit
// response headers need.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

var (
	// ErrLimited marks a denied request; the handler layer maps it to 429.
	ErrLimited = errors.New("ratelimit: limited")
	// ErrStoreUnavailable marks a broken store. Rate limiting guards
	// against brute force, so the caller fails closed on it.
	ErrStoreUnavailable = errors.New("ratelimit: store unavailable")
)

var denialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ratelimit_denials_total",
	Help: "Requests denied by the rate limiter.",
}, []string{"class"})

// Store counts hits per key within a window. Incr must be atomic for a
// given key: two concurrent calls may never observe the same count.
type Store interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Limiter applies class policies over a Store.
type Limiter struct {
	policies    map[Class]Policy
	store       Store
	clock       secrets.Clock
	callTimeout time.Duration
}

func NewLimiter(policies map[Class]Policy, store Store, clock secrets.Clock) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: a store is required")
	}
	if clock == nil {
		clock = secrets.SystemClock{}
	}
	if policies == nil {
		policies = DefaultPolicies()
	}
	for class, p := range policies {
		if p.Limit <= 0 || p.Window <= 0 {
			return nil, fmt.Errorf("ratelimit: invalid policy for class %s", class)
		}
	}
	return &Limiter{
		policies:    policies,
		store:       store,
		clock:       clock,
		callTimeout: 2 * time.Second,
	}, nil
}

// Check counts one hit against the class budget for key and decides
// admission. The counted hit is never refunded, including on store timeout:
// an attacker gains nothing from inducing slowness.
func (l *Limiter) Check(ctx context.Context, class Class, key string) (Result, error) {
	policy, ok := l.policies[class]
	if !ok {
		return Result{}, fmt.Errorf("ratelimit: unknown class %q", class)
	}

	now := l.clock.Now()
	windowStart := now.Truncate(policy.Window)
	resetAt := windowStart.Add(policy.Window)

	storeKey := fmt.Sprintf("ratelimit:%s:%s:%d", class, key, windowStart.Unix())

	cctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()
	count, err := l.store.Incr(cctx, storeKey, policy.Window+time.Minute)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	res := Result{
		Allowed:   count <= int64(policy.Limit),
		Limit:     policy.Limit,
		Remaining: policy.Limit - int(count),
		ResetAt:   resetAt,
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !res.Allowed {
		res.RetryAfter = resetAt.Sub(now)
		if res.RetryAfter < time.Second {
			res.RetryAfter = time.Second
		}
		denialsTotal.WithLabelValues(string(class)).Inc()
	}
	return res, nil
}
