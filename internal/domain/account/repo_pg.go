package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// -- User Store --

type userStorePG struct {
	pool *pgxpool.Pool
}

func NewUserStore(pool *pgxpool.Pool) UserStore {
	return &userStorePG{pool: pool}
}

const userCols = `subject_id, email, phone, role, permissions, password_hash, password_updated_at,
	is_active, is_email_verified, is_phone_verified, deactivated_at, created_at, updated_at`

func (r *userStorePG) Create(ctx context.Context, u *User) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (
			subject_id, email, phone, role, permissions, password_hash, password_updated_at,
			is_active, is_email_verified, is_phone_verified
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		u.SubjectID, u.Email, nullable(u.Phone), u.Role, u.Permissions, u.PasswordHash, u.PasswordUpdatedAt,
		u.IsActive, u.IsEmailVerified, u.IsPhoneVerified,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("user create: %w", err)
	}
	return nil
}

func (r *userStorePG) GetBySubject(ctx context.Context, subjectID string) (*User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userCols+` FROM users WHERE subject_id = $1`, subjectID))
}

func (r *userStorePG) GetByIdentifier(ctx context.Context, identifier string) (*User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userCols+` FROM users WHERE lower(email) = lower($1) OR phone = $1`, identifier))
}

func (r *userStorePG) SetPasswordHash(ctx context.Context, subjectID, hash string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET password_hash = $2, password_updated_at = $3, updated_at = $3
		WHERE subject_id = $1`, subjectID, hash, at)
	if err != nil {
		return fmt.Errorf("user set password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userStorePG) SetVerified(ctx context.Context, subjectID, channel string, at time.Time) error {
	var col string
	switch channel {
	case ChannelEmail:
		col = "is_email_verified"
	case ChannelPhone:
		col = "is_phone_verified"
	default:
		return fmt.Errorf("user set verified: unknown channel %q", channel)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET `+col+` = TRUE, updated_at = $2 WHERE subject_id = $1`, subjectID, at)
	if err != nil {
		return fmt.Errorf("user set verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (*User, error) {
	var (
		u     User
		phone *string
	)
	err := row.Scan(
		&u.SubjectID, &u.Email, &phone, &u.Role, &u.Permissions, &u.PasswordHash, &u.PasswordUpdatedAt,
		&u.IsActive, &u.IsEmailVerified, &u.IsPhoneVerified, &u.DeactivatedAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("user scan: %w", err)
	}
	if phone != nil {
		u.Phone = *phone
	}
	return &u, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// -- Relationship Store --

type relationshipStorePG struct {
	pool *pgxpool.Pool
}

func NewRelationshipStore(pool *pgxpool.Pool) RelationshipStore {
	return &relationshipStorePG{pool: pool}
}

func (r *relationshipStorePG) HasProviderPatient(ctx context.Context, providerID, patientID string, at time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM provider_patient_relationships
			WHERE provider_id = $1 AND patient_id = $2
			  AND (starts_at IS NULL OR starts_at <= $3)
			  AND (ends_at IS NULL OR ends_at > $3)
		)`, providerID, patientID, at).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("relationship lookup: %w", err)
	}
	return exists, nil
}

// -- Session Store --

type sessionStorePG struct {
	pool *pgxpool.Pool
}

func NewSessionStore(pool *pgxpool.Pool) SessionStore {
	return &sessionStorePG{pool: pool}
}

func (r *sessionStorePG) Create(ctx context.Context, s *Session) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO auth_sessions (token_id, subject_id, family, issued_at, last_seen_at)
		VALUES ($1,$2,$3,$4,$5)`,
		s.TokenID, s.SubjectID, s.Family, s.IssuedAt, s.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("session create: %w", err)
	}
	return nil
}

func (r *sessionStorePG) Get(ctx context.Context, tokenID string) (*Session, error) {
	var s Session
	err := r.pool.QueryRow(ctx, `
		SELECT token_id, subject_id, family, issued_at, last_seen_at, revoked_at
		FROM auth_sessions WHERE token_id = $1`, tokenID,
	).Scan(&s.TokenID, &s.SubjectID, &s.Family, &s.IssuedAt, &s.LastSeenAt, &s.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session get: %w", err)
	}
	return &s, nil
}

func (r *sessionStorePG) Rotate(ctx context.Context, presentedID, newID string, now time.Time) (*Session, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("session rotate: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	// The WHERE revoked_at IS NULL clause is the compare-and-set: whoever
	// matches the un-revoked row wins, everyone else sees zero rows.
	var (
		subjectID string
		family    string
	)
	err = tx.QueryRow(ctx, `
		UPDATE auth_sessions SET revoked_at = $2, last_seen_at = $2
		WHERE token_id = $1 AND revoked_at IS NULL
		RETURNING subject_id, family`, presentedID, now,
	).Scan(&subjectID, &family)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReplayDetected
		}
		return nil, fmt.Errorf("session rotate: %w", err)
	}

	next := &Session{
		TokenID:    newID,
		SubjectID:  subjectID,
		Family:     family,
		IssuedAt:   now,
		LastSeenAt: now,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO auth_sessions (token_id, subject_id, family, issued_at, last_seen_at)
		VALUES ($1,$2,$3,$4,$5)`,
		next.TokenID, next.SubjectID, next.Family, next.IssuedAt, next.LastSeenAt,
	)
	if err != nil {
		return nil, fmt.Errorf("session rotate: insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("session rotate: commit: %w", err)
	}
	return next, nil
}

func (r *sessionStorePG) Revoke(ctx context.Context, tokenID string, now time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE auth_sessions SET revoked_at = $2
		WHERE token_id = $1 AND revoked_at IS NULL`, tokenID, now)
	if err != nil {
		return fmt.Errorf("session revoke: %w", err)
	}
	return nil
}

func (r *sessionStorePG) RevokeFamily(ctx context.Context, tokenID string, now time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE auth_sessions SET revoked_at = $2
		WHERE revoked_at IS NULL
		  AND family = (SELECT family FROM auth_sessions WHERE token_id = $1)`, tokenID, now)
	if err != nil {
		return fmt.Errorf("session revoke family: %w", err)
	}
	return nil
}

func (r *sessionStorePG) RevokeSubject(ctx context.Context, subjectID string, now time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE auth_sessions SET revoked_at = $2
		WHERE subject_id = $1 AND revoked_at IS NULL`, subjectID, now)
	if err != nil {
		return fmt.Errorf("session revoke subject: %w", err)
	}
	return nil
}

// -- Verification Store --

type verificationStorePG struct {
	pool *pgxpool.Pool
}

func NewVerificationStore(pool *pgxpool.Pool) VerificationStore {
	return &verificationStorePG{pool: pool}
}

func (r *verificationStorePG) Put(ctx context.Context, code *VerificationCode) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO verification_codes (subject_id, channel, code_hash, expires_at, attempts)
		VALUES ($1,$2,$3,$4,0)
		ON CONFLICT (subject_id, channel) DO UPDATE SET
			code_hash = EXCLUDED.code_hash,
			expires_at = EXCLUDED.expires_at,
			attempts = 0,
			last_attempt_at = NULL,
			consumed_at = NULL`,
		code.SubjectID, code.Channel, code.CodeHash, code.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("verification put: %w", err)
	}
	return nil
}

func (r *verificationStorePG) Get(ctx context.Context, subjectID, channel string) (*VerificationCode, error) {
	var code VerificationCode
	err := r.pool.QueryRow(ctx, `
		SELECT subject_id, channel, code_hash, expires_at, attempts, last_attempt_at, consumed_at
		FROM verification_codes WHERE subject_id = $1 AND channel = $2`, subjectID, channel,
	).Scan(&code.SubjectID, &code.Channel, &code.CodeHash, &code.ExpiresAt,
		&code.Attempts, &code.LastAttemptAt, &code.ConsumedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("verification get: %w", err)
	}
	return &code, nil
}

func (r *verificationStorePG) RecordFailure(ctx context.Context, subjectID, channel string, now time.Time, window time.Duration) (int, error) {
	var attempts int
	err := r.pool.QueryRow(ctx, `
		UPDATE verification_codes SET
			attempts = CASE
				WHEN last_attempt_at IS NULL OR last_attempt_at < $3 THEN 1
				ELSE attempts + 1
			END,
			last_attempt_at = $4
		WHERE subject_id = $1 AND channel = $2
		RETURNING attempts`,
		subjectID, channel, now.Add(-window), now,
	).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("verification record failure: %w", err)
	}
	return attempts, nil
}

func (r *verificationStorePG) Consume(ctx context.Context, subjectID, channel string, now time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE verification_codes SET consumed_at = $3
		WHERE subject_id = $1 AND channel = $2 AND consumed_at IS NULL`,
		subjectID, channel, now)
	if err != nil {
		return fmt.Errorf("verification consume: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Zero rows: either the code never existed or someone already used it.
	var consumed *time.Time
	err = r.pool.QueryRow(ctx, `
		SELECT consumed_at FROM verification_codes
		WHERE subject_id = $1 AND channel = $2`, subjectID, channel,
	).Scan(&consumed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("verification consume: %w", err)
	}
	return ErrCodeConsumed
}
