package account

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("account: not found")
	// ErrDuplicate means a user with the same email or phone already
	// exists.
	ErrDuplicate = errors.New("account: duplicate identifier")
	// ErrReplayDetected means a refresh token was presented whose session
	// is already rotated or revoked. The caller revokes the family.
	ErrReplayDetected = errors.New("account: refresh replay detected")
	// ErrCodeConsumed means a verification code was presented twice.
	ErrCodeConsumed = errors.New("account: verification code already used")
)

// UserStore reads and patches user records. Record creation happens here
// too, because registration is a credential flow; everything else about a
// user is written by the upstream CRUD service.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	GetBySubject(ctx context.Context, subjectID string) (*User, error)
	// GetByIdentifier resolves an email or phone to its user.
	GetByIdentifier(ctx context.Context, identifier string) (*User, error)
	SetPasswordHash(ctx context.Context, subjectID, hash string, at time.Time) error
	SetVerified(ctx context.Context, subjectID, channel string, at time.Time) error
}

// RelationshipStore answers whether a provider is assigned to a patient.
type RelationshipStore interface {
	// HasProviderPatient reports an assignment active at the given
	// instant, honoring optional time bounds on the row.
	HasProviderPatient(ctx context.Context, providerID, patientID string, at time.Time) (bool, error)
}

// SessionStore owns the refresh-token sessions. One row per refresh jti.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, tokenID string) (*Session, error)
	// Rotate atomically revokes the presented session and records its
	// replacement in the same family. When the presented session is
	// missing, rotated or revoked it returns ErrReplayDetected and writes
	// nothing.
	Rotate(ctx context.Context, presentedID, newID string, now time.Time) (*Session, error)
	// Revoke marks one session revoked. Revoking an already revoked or
	// missing session is a no-op.
	Revoke(ctx context.Context, tokenID string, now time.Time) error
	// RevokeFamily revokes every active session in the family of the
	// given token, the token's own session included.
	RevokeFamily(ctx context.Context, tokenID string, now time.Time) error
	// RevokeSubject revokes every active session the subject has.
	RevokeSubject(ctx context.Context, subjectID string, now time.Time) error
}

// VerificationStore owns pending email and phone challenges, one active
// code per (subject, channel).
type VerificationStore interface {
	// Put replaces any previous code for the subject and channel.
	Put(ctx context.Context, code *VerificationCode) error
	Get(ctx context.Context, subjectID, channel string) (*VerificationCode, error)
	// RecordFailure bumps the wrong-attempt counter and returns the count
	// of failures inside the backoff window ending at now. Counts reset
	// when the window between attempts lapses.
	RecordFailure(ctx context.Context, subjectID, channel string, now time.Time, window time.Duration) (int, error)
	// Consume marks the code used. A second consume returns
	// ErrCodeConsumed.
	Consume(ctx context.Context, subjectID, channel string, now time.Time) error
}
