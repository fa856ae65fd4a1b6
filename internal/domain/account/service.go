package account

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careportal/careportal/internal/platform/api"
	"github.com/careportal/careportal/internal/platform/audit"
	"github.com/careportal/careportal/internal/platform/secrets"
	"github.com/careportal/careportal/internal/platform/token"
	"github.com/careportal/careportal/pkg/password"
)

const (
	verificationTTL           = 24 * time.Hour
	verificationMaxFailures   = 3
	verificationBackoffWindow = 15 * time.Minute

	// loginFailedMessage is the single message for every login failure, so
	// unknown identifiers and wrong passwords cannot be told apart.
	loginFailedMessage = "invalid email/phone or password"
)

var (
	emailRx = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phoneRx = regexp.MustCompile(`^\+?[0-9][0-9 \-]{6,18}$`)
)

// Notifier dispatches verification codes and reset links through the
// external mail/SMS channel. Dispatch failures never fail the flow that
// triggered them.
type Notifier interface {
	SendVerificationCode(ctx context.Context, recipient, channel, code string) error
	SendPasswordReset(ctx context.Context, email, resetToken string) error
}

type ServiceConfig struct {
	Users         UserStore
	Sessions      SessionStore
	Verifications VerificationStore
	Codec         *token.Codec
	Hasher        *password.Hasher
	Auditor       *audit.Logger
	Notifier      Notifier
	Clock         secrets.Clock
	Log           zerolog.Logger
}

// Service implements the credential flows.
type Service struct {
	users         UserStore
	sessions      SessionStore
	verifications VerificationStore
	codec         *token.Codec
	hasher        *password.Hasher
	auditor       *audit.Logger
	notifier      Notifier
	clock         secrets.Clock
	log           zerolog.Logger

	// decoyHash absorbs a KDF verification when the identifier is unknown,
	// so lookups cannot be told apart from wrong passwords by timing.
	decoyHash string
}

func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Users == nil:
		return nil, errors.New("account: user store is required")
	case cfg.Sessions == nil:
		return nil, errors.New("account: session store is required")
	case cfg.Verifications == nil:
		return nil, errors.New("account: verification store is required")
	case cfg.Codec == nil:
		return nil, errors.New("account: token codec is required")
	case cfg.Hasher == nil:
		return nil, errors.New("account: password hasher is required")
	case cfg.Auditor == nil:
		return nil, errors.New("account: audit logger is required")
	case cfg.Notifier == nil:
		return nil, errors.New("account: notifier is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = secrets.SystemClock{}
	}

	decoy, err := cfg.Hasher.Hash(secrets.NewID())
	if err != nil {
		return nil, fmt.Errorf("account: prepare decoy hash: %w", err)
	}

	return &Service{
		users:         cfg.Users,
		sessions:      cfg.Sessions,
		verifications: cfg.Verifications,
		codec:         cfg.Codec,
		hasher:        cfg.Hasher,
		auditor:       cfg.Auditor,
		notifier:      cfg.Notifier,
		clock:         cfg.Clock,
		log:           cfg.Log,
		decoyHash:     decoy,
	}, nil
}

// RegisterParams is the input to Register after transport decoding.
type RegisterParams struct {
	Email    string
	Phone    string
	Password string
	Role     string
}

// Register creates an account with verification flags unset and dispatches
// verification codes. Privileged roles are provisioned upstream; only
// patient and provider self-register.
func (s *Service) Register(ctx context.Context, params RegisterParams, client Client) (*User, error) {
	params.Email = normalizeIdentifier(params.Email)
	params.Phone = strings.TrimSpace(params.Phone)

	var fields []api.FieldError
	if !emailRx.MatchString(params.Email) {
		fields = append(fields, api.FieldError{Field: "email", Message: "invalid email address", Code: "FORMAT"})
	}
	if params.Phone != "" && !phoneRx.MatchString(params.Phone) {
		fields = append(fields, api.FieldError{Field: "phone", Message: "invalid phone number", Code: "FORMAT"})
	}
	if !registerableRole(params.Role) {
		fields = append(fields, api.FieldError{Field: "role", Message: "role must be patient or provider", Code: "INVALID_ROLE"})
	}
	fields = append(fields, policyFields(password.CheckPolicy(params.Password, params.Email, params.Phone))...)
	if len(fields) > 0 {
		return nil, api.Invalid("validation failed", fields...)
	}

	hash, err := s.hasher.Hash(params.Password)
	if err != nil {
		return nil, fmt.Errorf("register: hash password: %w", err)
	}

	now := s.clock.Now()
	u := &User{
		SubjectID:         uuid.NewString(),
		Email:             params.Email,
		Phone:             params.Phone,
		Role:              params.Role,
		Permissions:       defaultPermissions(params.Role),
		PasswordHash:      hash,
		PasswordUpdatedAt: now,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, api.Conflict("an account with this email or phone already exists")
		}
		return nil, fmt.Errorf("register: %w", err)
	}

	s.issueVerification(ctx, u, ChannelEmail)
	if u.Phone != "" {
		s.issueVerification(ctx, u, ChannelPhone)
	}

	e := s.newEvent(audit.TypeUserRegistered, audit.OutcomeSuccess, u.SubjectID, client)
	e.Details = map[string]any{"role": u.Role}
	s.audit(ctx, e)
	return u, nil
}

// Login authenticates by email or phone. All failures before the account
// state check share one message and one audit shape.
func (s *Service) Login(ctx context.Context, identifier, pw string, client Client) (*TokenPair, *User, error) {
	identifier = normalizeIdentifier(identifier)

	u, err := s.users.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Burn a verification against the decoy hash so unknown
			// identifiers cost the same as wrong passwords.
			_, _ = s.hasher.Verify(pw, s.decoyHash)
			return nil, nil, s.denyLogin(ctx, identifier, client)
		}
		return nil, nil, fmt.Errorf("login: %w", err)
	}

	ok, err := s.hasher.Verify(pw, u.PasswordHash)
	if err != nil {
		return nil, nil, fmt.Errorf("login: verify password: %w", err)
	}
	if !ok {
		return nil, nil, s.denyLogin(ctx, identifier, client)
	}

	if !u.IsActive {
		e := s.newEvent(audit.TypeInactiveOrMissingSubject, audit.OutcomeDenied, u.SubjectID, client)
		if aerr := s.auditSync(ctx, e); aerr != nil {
			return nil, nil, aerr
		}
		return nil, nil, api.Forbidden("account is deactivated")
	}

	pair, err := s.issuePair(ctx, u)
	if err != nil {
		return nil, nil, err
	}

	s.audit(ctx, s.newEvent(audit.TypeLoginSuccess, audit.OutcomeSuccess, u.SubjectID, client))
	return pair, u, nil
}

func (s *Service) denyLogin(ctx context.Context, identifier string, client Client) error {
	e := s.newEvent(audit.TypeLoginFailed, audit.OutcomeDenied, "", client)
	e.Details = map[string]any{"identifier": identifier}
	if err := s.auditSync(ctx, e); err != nil {
		return err
	}
	return api.Unauthorized(loginFailedMessage)
}

// Refresh rotates the presented refresh token for a new pair. A presented
// token whose session is already rotated or revoked takes its whole family
// down and is audited as a replay.
func (s *Service) Refresh(ctx context.Context, presented string, client Client) (*TokenPair, error) {
	claims, err := s.codec.VerifyRefresh(presented)
	if err != nil {
		e := s.newEvent(audit.TypeInvalidToken, audit.OutcomeDenied, "", client)
		e.Details = map[string]any{"flow": "refresh", "failure": token.FailureName(err)}
		if aerr := s.auditSync(ctx, e); aerr != nil {
			return nil, aerr
		}
		if errors.Is(err, token.ErrExpired) {
			return nil, api.Unauthorized("refresh token expired")
		}
		return nil, api.Unauthorized("invalid refresh token")
	}

	u, err := s.users.GetBySubject(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e := s.newEvent(audit.TypeInactiveOrMissingSubject, audit.OutcomeDenied, claims.Subject, client)
			if aerr := s.auditSync(ctx, e); aerr != nil {
				return nil, aerr
			}
			return nil, api.Unauthorized("account no longer exists")
		}
		return nil, fmt.Errorf("refresh: %w", err)
	}
	if !u.IsActive {
		if err := s.sessions.RevokeSubject(ctx, u.SubjectID, s.clock.Now()); err != nil {
			s.log.Error().Err(err).Msg("revoke sessions of inactive subject")
		}
		e := s.newEvent(audit.TypeInactiveOrMissingSubject, audit.OutcomeDenied, u.SubjectID, client)
		if aerr := s.auditSync(ctx, e); aerr != nil {
			return nil, aerr
		}
		return nil, api.Forbidden("account is deactivated")
	}

	next, err := s.sessions.Rotate(ctx, claims.ID, secrets.NewID(), s.clock.Now())
	if err != nil {
		if errors.Is(err, ErrReplayDetected) {
			return nil, s.handleReplay(ctx, claims.ID, claims.Subject, client)
		}
		return nil, fmt.Errorf("refresh: rotate session: %w", err)
	}

	pair, err := s.signPair(u, next.TokenID)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, s.newEvent(audit.TypeTokenRefreshed, audit.OutcomeSuccess, u.SubjectID, client))
	return pair, nil
}

func (s *Service) handleReplay(ctx context.Context, tokenID, subjectID string, client Client) error {
	if err := s.sessions.RevokeFamily(ctx, tokenID, s.clock.Now()); err != nil {
		s.log.Error().Err(err).Msg("revoke family after replay")
	}
	e := s.newEvent(audit.TypeRefreshReplay, audit.OutcomeDenied, subjectID, client)
	if err := s.auditSync(ctx, e); err != nil {
		// High severity fails closed when the audit sink is down.
		return err
	}
	return api.Unauthorized("refresh token replayed")
}

// Logout revokes every active session the subject has. A subject holds at
// most one, and revoking an already revoked session is a no-op, so repeat
// logouts succeed with no effect beyond the audit entry.
func (s *Service) Logout(ctx context.Context, subjectID string, client Client) error {
	if err := s.sessions.RevokeSubject(ctx, subjectID, s.clock.Now()); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	s.audit(ctx, s.newEvent(audit.TypeLogout, audit.OutcomeSuccess, subjectID, client))
	return nil
}

func (s *Service) ChangePassword(ctx context.Context, subjectID, oldPassword, newPassword string, client Client) error {
	u, err := s.users.GetBySubject(ctx, subjectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return api.Unauthorized("account no longer exists")
		}
		return fmt.Errorf("change password: %w", err)
	}

	ok, err := s.hasher.Verify(oldPassword, u.PasswordHash)
	if err != nil {
		return fmt.Errorf("change password: verify: %w", err)
	}
	if !ok {
		e := s.newEvent(audit.TypeLoginFailed, audit.OutcomeDenied, subjectID, client)
		e.Details = map[string]any{"flow": "change_password"}
		if aerr := s.auditSync(ctx, e); aerr != nil {
			return aerr
		}
		return api.Unauthorized("current password is incorrect")
	}

	if violations := password.CheckPolicy(newPassword, u.Email, u.Phone); len(violations) > 0 {
		return api.Invalid("validation failed", policyFields(violations)...)
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("change password: hash: %w", err)
	}

	now := s.clock.Now()
	if err := s.users.SetPasswordHash(ctx, subjectID, hash, now); err != nil {
		return fmt.Errorf("change password: %w", err)
	}
	// Every outstanding refresh token dies with the old password. Access
	// tokens die too: the pipeline rejects tokens issued before
	// passwordUpdatedAt.
	if err := s.sessions.RevokeSubject(ctx, subjectID, now); err != nil {
		return fmt.Errorf("change password: revoke sessions: %w", err)
	}

	s.audit(ctx, s.newEvent(audit.TypePasswordChanged, audit.OutcomeSuccess, subjectID, client))
	return nil
}

// ForgotPassword issues a reset token when the email is known. The caller
// returns 200 either way; nothing in the response or its timing confirms
// whether an account exists.
func (s *Service) ForgotPassword(ctx context.Context, email string, client Client) error {
	email = normalizeIdentifier(email)

	u, err := s.users.GetByIdentifier(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("forgot password: %w", err)
	}

	claims := &token.ResetClaims{}
	claims.Subject = u.SubjectID
	claims.ID = secrets.NewID()
	resetToken, err := s.codec.SignReset(claims)
	if err != nil {
		return fmt.Errorf("forgot password: sign reset token: %w", err)
	}

	// The reset marker makes the token single-use and supersedes any
	// earlier reset link for the subject.
	marker := &VerificationCode{
		SubjectID: u.SubjectID,
		Channel:   ChannelReset,
		CodeHash:  hashCode(claims.ID),
		ExpiresAt: s.clock.Now().Add(s.codec.ResetTTL()),
	}
	if err := s.verifications.Put(ctx, marker); err != nil {
		return fmt.Errorf("forgot password: store reset marker: %w", err)
	}

	if err := s.notifier.SendPasswordReset(ctx, u.Email, resetToken); err != nil {
		s.log.Error().Err(err).Msg("dispatch password reset")
	}

	s.audit(ctx, s.newEvent(audit.TypePasswordResetRequested, audit.OutcomeSuccess, u.SubjectID, client))
	return nil
}

func (s *Service) ResetPassword(ctx context.Context, resetToken, newPassword string, client Client) error {
	claims, err := s.codec.VerifyReset(resetToken)
	if err != nil {
		e := s.newEvent(audit.TypeInvalidToken, audit.OutcomeDenied, "", client)
		e.Details = map[string]any{"flow": "password_reset", "failure": token.FailureName(err)}
		if aerr := s.auditSync(ctx, e); aerr != nil {
			return aerr
		}
		return api.Unauthorized("invalid or expired reset token")
	}

	marker, err := s.verifications.Get(ctx, claims.Subject, ChannelReset)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return s.denyReset(ctx, claims.Subject, "no marker", client)
		}
		return fmt.Errorf("reset password: %w", err)
	}
	if hashCode(claims.ID) != marker.CodeHash {
		// A newer reset link superseded this one.
		return s.denyReset(ctx, claims.Subject, "superseded", client)
	}

	u, err := s.users.GetBySubject(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return api.Unauthorized("account no longer exists")
		}
		return fmt.Errorf("reset password: %w", err)
	}

	if violations := password.CheckPolicy(newPassword, u.Email, u.Phone); len(violations) > 0 {
		return api.Invalid("validation failed", policyFields(violations)...)
	}

	now := s.clock.Now()
	if err := s.verifications.Consume(ctx, claims.Subject, ChannelReset, now); err != nil {
		if errors.Is(err, ErrCodeConsumed) {
			e := s.newEvent(audit.TypeInvalidToken, audit.OutcomeDenied, claims.Subject, client)
			e.Details = map[string]any{"flow": "password_reset", "failure": "CONSUMED"}
			if aerr := s.auditSync(ctx, e); aerr != nil {
				return aerr
			}
			return api.Conflict("reset token already used")
		}
		if errors.Is(err, ErrNotFound) {
			return api.Unauthorized("invalid or expired reset token")
		}
		return fmt.Errorf("reset password: consume marker: %w", err)
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("reset password: hash: %w", err)
	}
	if err := s.users.SetPasswordHash(ctx, claims.Subject, hash, now); err != nil {
		return fmt.Errorf("reset password: %w", err)
	}
	if err := s.sessions.RevokeSubject(ctx, claims.Subject, now); err != nil {
		return fmt.Errorf("reset password: revoke sessions: %w", err)
	}

	s.audit(ctx, s.newEvent(audit.TypePasswordResetCompleted, audit.OutcomeSuccess, claims.Subject, client))
	return nil
}

func (s *Service) denyReset(ctx context.Context, subjectID, reason string, client Client) error {
	e := s.newEvent(audit.TypeInvalidToken, audit.OutcomeDenied, subjectID, client)
	e.Details = map[string]any{"flow": "password_reset", "failure": reason}
	if err := s.auditSync(ctx, e); err != nil {
		return err
	}
	return api.Unauthorized("invalid or expired reset token")
}

func (s *Service) VerifyEmail(ctx context.Context, subjectID, code string, client Client) error {
	return s.verifyChannel(ctx, subjectID, ChannelEmail, code, client)
}

func (s *Service) VerifyPhone(ctx context.Context, subjectID, code string, client Client) error {
	return s.verifyChannel(ctx, subjectID, ChannelPhone, code, client)
}

func (s *Service) verifyChannel(ctx context.Context, subjectID, channel, code string, client Client) error {
	vc, err := s.verifications.Get(ctx, subjectID, channel)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return api.NotFound("no pending verification code")
		}
		return fmt.Errorf("verify %s: %w", channel, err)
	}

	now := s.clock.Now()
	if throttled(vc, now) {
		return s.denyThrottled(ctx, subjectID, channel, client)
	}
	if now.After(vc.ExpiresAt) {
		return api.Invalid("validation failed",
			api.FieldError{Field: "code", Message: "verification code expired", Code: "EXPIRED"})
	}

	if subtle.ConstantTimeCompare([]byte(hashCode(code)), []byte(vc.CodeHash)) != 1 {
		attempts, rerr := s.verifications.RecordFailure(ctx, subjectID, channel, now, verificationBackoffWindow)
		if rerr != nil && !errors.Is(rerr, ErrNotFound) {
			s.log.Error().Err(rerr).Str("channel", channel).Msg("record verification failure")
		}
		if attempts >= verificationMaxFailures {
			return s.denyThrottled(ctx, subjectID, channel, client)
		}
		return api.Invalid("validation failed",
			api.FieldError{Field: "code", Message: "invalid verification code", Code: "INVALID"})
	}

	if err := s.verifications.Consume(ctx, subjectID, channel, now); err != nil {
		if errors.Is(err, ErrCodeConsumed) {
			return api.Conflict("verification code already used")
		}
		if errors.Is(err, ErrNotFound) {
			return api.NotFound("no pending verification code")
		}
		return fmt.Errorf("verify %s: %w", channel, err)
	}
	if err := s.users.SetVerified(ctx, subjectID, channel, now); err != nil {
		return fmt.Errorf("verify %s: %w", channel, err)
	}

	typ := audit.TypeEmailVerified
	if channel == ChannelPhone {
		typ = audit.TypePhoneVerified
	}
	s.audit(ctx, s.newEvent(typ, audit.OutcomeSuccess, subjectID, client))
	return nil
}

func throttled(vc *VerificationCode, now time.Time) bool {
	return vc.Attempts >= verificationMaxFailures &&
		vc.LastAttemptAt != nil &&
		now.Sub(*vc.LastAttemptAt) < verificationBackoffWindow
}

func (s *Service) denyThrottled(ctx context.Context, subjectID, channel string, client Client) error {
	e := s.newEvent(audit.TypeVerificationThrottled, audit.OutcomeDenied, subjectID, client)
	e.Details = map[string]any{"channel": channel}
	if err := s.auditSync(ctx, e); err != nil {
		return err
	}
	return api.NewError(api.KindRateLimited, "too many attempts, try again later")
}

// CurrentUser loads the caller's own record.
func (s *Service) CurrentUser(ctx context.Context, subjectID string) (*User, error) {
	u, err := s.users.GetBySubject(ctx, subjectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, api.Unauthorized("account no longer exists")
		}
		return nil, fmt.Errorf("current user: %w", err)
	}
	return u, nil
}

// -- token issuance --

// Token lifetimes, used by the transport layer to size cookies.
func (s *Service) AccessTTL() time.Duration  { return s.codec.AccessTTL() }
func (s *Service) RefreshTTL() time.Duration { return s.codec.RefreshTTL() }

func (s *Service) issuePair(ctx context.Context, u *User) (*TokenPair, error) {
	now := s.clock.Now()

	// A fresh login starts a fresh family; whatever refresh token the
	// subject held before dies here so at most one stays active.
	if err := s.sessions.RevokeSubject(ctx, u.SubjectID, now); err != nil {
		return nil, fmt.Errorf("issue tokens: revoke prior sessions: %w", err)
	}

	sess := &Session{
		TokenID:    secrets.NewID(),
		SubjectID:  u.SubjectID,
		Family:     secrets.NewID(),
		IssuedAt:   now,
		LastSeenAt: now,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("issue tokens: create session: %w", err)
	}
	return s.signPair(u, sess.TokenID)
}

func (s *Service) signPair(u *User, refreshID string) (*TokenPair, error) {
	refresh := &token.RefreshClaims{}
	refresh.Subject = u.SubjectID
	refresh.ID = refreshID
	refreshToken, err := s.codec.SignRefresh(refresh)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	access := &token.AccessClaims{Role: u.Role}
	access.Subject = u.SubjectID
	accessToken, err := s.codec.SignAccess(access)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.codec.AccessTTL().Seconds()),
	}, nil
}

// -- verification issuance --

func (s *Service) issueVerification(ctx context.Context, u *User, channel string) {
	code, err := sixDigitCode()
	if err != nil {
		s.log.Error().Err(err).Str("channel", channel).Msg("generate verification code")
		return
	}
	vc := &VerificationCode{
		SubjectID: u.SubjectID,
		Channel:   channel,
		CodeHash:  hashCode(code),
		ExpiresAt: s.clock.Now().Add(verificationTTL),
	}
	if err := s.verifications.Put(ctx, vc); err != nil {
		s.log.Error().Err(err).Str("channel", channel).Msg("store verification code")
		return
	}

	recipient := u.Email
	if channel == ChannelPhone {
		recipient = u.Phone
	}
	if err := s.notifier.SendVerificationCode(ctx, recipient, channel, code); err != nil {
		s.log.Error().Err(err).Str("channel", channel).Msg("dispatch verification code")
	}
}

// -- audit plumbing --

func (s *Service) newEvent(typ string, outcome audit.Outcome, subjectID string, client Client) *audit.Event {
	return &audit.Event{
		Type:       typ,
		Outcome:    outcome,
		Subject:    subjectID,
		RemoteAddr: client.RemoteAddr,
		UserAgent:  client.UserAgent,
		RequestID:  client.RequestID,
	}
}

func (s *Service) audit(ctx context.Context, e *audit.Event) {
	if err := s.auditor.Write(ctx, e); err != nil {
		s.log.Error().Err(err).Str("event_type", e.Type).Msg("audit write")
	}
}

// auditSync blocks until the event is durable. The returned error is
// non-nil only when the event's severity fails closed.
func (s *Service) auditSync(ctx context.Context, e *audit.Event) error {
	return s.auditor.WriteSync(ctx, e)
}

// -- helpers --

func normalizeIdentifier(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "@") {
		return strings.ToLower(s)
	}
	return s
}

func registerableRole(role string) bool {
	return role == RolePatient || role == RoleProvider
}

func defaultPermissions(role string) []string {
	switch role {
	case RoleProvider:
		return []string{PermRecordsRead, PermRecordsWrite}
	default:
		return []string{PermRecordsRead}
	}
}

func policyFields(vs []password.Violation) []api.FieldError {
	fields := make([]api.FieldError, 0, len(vs))
	for _, v := range vs {
		fields = append(fields, api.FieldError{Field: "password", Message: v.Message, Code: v.Code})
	}
	return fields
}

func sixDigitCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
