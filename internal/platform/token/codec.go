// Package token signs and verifies the four token variants the portal uses:
// access, refresh, medical-scope and password-reset. Each variant is signed
// with its own HMAC key and carries a "use" claim naming the variant, so a
// token presented to the wrong verifier fails even when keys are shared
// across variants in a deployment.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/careportal/careportal/internal/platform/secrets"
)

// Config carries the per-variant lifetimes and the verification leeway.
type Config struct {
	// Issuer, when set, is stamped into every signed token and required on
	// every verified one.
	Issuer string

	AccessTTL  time.Duration
	RefreshTTL time.Duration
	MedicalTTL time.Duration
	ResetTTL   time.Duration

	// Skew is the symmetric clock tolerance applied to time-bound claims.
	Skew time.Duration
}

// Codec signs and verifies tokens. Safe for concurrent use.
type Codec struct {
	cfg      Config
	provider secrets.Provider
	clock    secrets.Clock
}

func NewCodec(cfg Config, provider secrets.Provider, clock secrets.Clock) (*Codec, error) {
	if provider == nil || clock == nil {
		return nil, errors.New("token: key provider and clock are required")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 || cfg.MedicalTTL <= 0 || cfg.ResetTTL <= 0 {
		return nil, errors.New("token: every variant needs a positive TTL")
	}
	if cfg.Skew < 0 || cfg.Skew > 5*time.Minute {
		return nil, errors.New("token: skew must be between 0 and 5 minutes")
	}
	return &Codec{cfg: cfg, provider: provider, clock: clock}, nil
}

// TTL accessors, used by the flows to size cookies and expiry fields.

func (c *Codec) AccessTTL() time.Duration  { return c.cfg.AccessTTL }
func (c *Codec) RefreshTTL() time.Duration { return c.cfg.RefreshTTL }
func (c *Codec) ResetTTL() time.Duration   { return c.cfg.ResetTTL }

// SignAccess stamps jti/iat/exp into claims and returns the signed token.
// Subject and Role must be set by the caller.
func (c *Codec) SignAccess(claims *AccessClaims) (string, error) {
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if claims.Role == "" {
		return "", fmt.Errorf("%w: role", ErrMissingClaim)
	}
	claims.Use = string(secrets.UseAccess)
	c.stamp(&claims.RegisteredClaims, c.cfg.AccessTTL)
	return c.sign(secrets.UseAccess, claims)
}

// SignRefresh stamps jti/iat/exp into claims and returns the signed token.
// The stamped jti is what the session store tracks for rotation.
func (c *Codec) SignRefresh(claims *RefreshClaims) (string, error) {
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	claims.Use = string(secrets.UseRefresh)
	c.stamp(&claims.RegisteredClaims, c.cfg.RefreshTTL)
	return c.sign(secrets.UseRefresh, claims)
}

// SignMedical exists for completeness and for tests; this service never mints
// medical tokens in production, it only verifies them.
func (c *Codec) SignMedical(claims *MedicalClaims) (string, error) {
	switch {
	case claims.ProviderID == "":
		return "", fmt.Errorf("%w: providerId", ErrMissingClaim)
	case claims.PatientID == "":
		return "", fmt.Errorf("%w: patientId", ErrMissingClaim)
	case claims.RecordType == "":
		return "", fmt.Errorf("%w: recordType", ErrMissingClaim)
	case !validPermissions(claims.Permissions):
		return "", fmt.Errorf("%w: permissions", ErrMissingClaim)
	case claims.Reason == "":
		return "", fmt.Errorf("%w: reason", ErrMissingClaim)
	}
	claims.Use = string(secrets.UseMedical)
	c.stamp(&claims.RegisteredClaims, c.cfg.MedicalTTL)
	return c.sign(secrets.UseMedical, claims)
}

// SignReset stamps jti/iat/exp into claims and returns the signed token.
func (c *Codec) SignReset(claims *ResetClaims) (string, error) {
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	claims.Use = string(secrets.UseReset)
	claims.Purpose = PurposePasswordReset
	c.stamp(&claims.RegisteredClaims, c.cfg.ResetTTL)
	return c.sign(secrets.UseReset, claims)
}

func (c *Codec) VerifyAccess(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := c.verify(secrets.UseAccess, raw, claims); err != nil {
		return nil, err
	}
	if claims.Use != string(secrets.UseAccess) {
		return nil, fmt.Errorf("%w: use=%q", ErrWrongVariant, claims.Use)
	}
	if err := requireRegistered(&claims.RegisteredClaims); err != nil {
		return nil, err
	}
	if claims.Role == "" {
		return nil, fmt.Errorf("%w: role", ErrMissingClaim)
	}
	return claims, nil
}

func (c *Codec) VerifyRefresh(raw string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := c.verify(secrets.UseRefresh, raw, claims); err != nil {
		return nil, err
	}
	if claims.Use != string(secrets.UseRefresh) {
		return nil, fmt.Errorf("%w: use=%q", ErrWrongVariant, claims.Use)
	}
	if err := requireRegistered(&claims.RegisteredClaims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (c *Codec) VerifyMedical(raw string) (*MedicalClaims, error) {
	claims := &MedicalClaims{}
	if err := c.verify(secrets.UseMedical, raw, claims); err != nil {
		return nil, err
	}
	if claims.Use != string(secrets.UseMedical) {
		return nil, fmt.Errorf("%w: use=%q", ErrWrongVariant, claims.Use)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: jti", ErrMissingClaim)
	}
	if claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: iat", ErrMissingClaim)
	}
	switch {
	case claims.ProviderID == "":
		return nil, fmt.Errorf("%w: providerId", ErrMissingClaim)
	case claims.PatientID == "":
		return nil, fmt.Errorf("%w: patientId", ErrMissingClaim)
	case claims.RecordType == "":
		return nil, fmt.Errorf("%w: recordType", ErrMissingClaim)
	case !validPermissions(claims.Permissions):
		return nil, fmt.Errorf("%w: permissions", ErrMissingClaim)
	case claims.Reason == "":
		return nil, fmt.Errorf("%w: reason", ErrMissingClaim)
	}
	return claims, nil
}

func (c *Codec) VerifyReset(raw string) (*ResetClaims, error) {
	claims := &ResetClaims{}
	if err := c.verify(secrets.UseReset, raw, claims); err != nil {
		return nil, err
	}
	if claims.Use != string(secrets.UseReset) {
		return nil, fmt.Errorf("%w: use=%q", ErrWrongVariant, claims.Use)
	}
	if err := requireRegistered(&claims.RegisteredClaims); err != nil {
		return nil, err
	}
	if claims.Purpose != PurposePasswordReset {
		return nil, fmt.Errorf("%w: purpose", ErrMissingClaim)
	}
	return claims, nil
}

// stamp fills the registered claims the codec owns. A caller-provided jti is
// kept so flows that pre-allocate the id (refresh rotation) can do so.
func (c *Codec) stamp(rc *jwt.RegisteredClaims, ttl time.Duration) {
	now := c.clock.Now()
	if rc.ID == "" {
		rc.ID = secrets.NewID()
	}
	if c.cfg.Issuer != "" {
		rc.Issuer = c.cfg.Issuer
	}
	rc.IssuedAt = jwt.NewNumericDate(now)
	rc.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
}

func (c *Codec) sign(use secrets.KeyUse, claims jwt.Claims) (string, error) {
	keys, err := c.provider.SigningKeys(use)
	if err != nil {
		return "", err
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(keys.Primary)
	if err != nil {
		return "", fmt.Errorf("token: signing %s token: %w", use, err)
	}
	return signed, nil
}

// verify parses raw against each verification key for the use, primary
// first. Only a signature failure moves on to the next key; any other
// outcome is final because a different key cannot change it.
func (c *Codec) verify(use secrets.KeyUse, raw string, claims jwt.Claims) error {
	keys, err := c.provider.SigningKeys(use)
	if err != nil {
		return err
	}
	var lastErr error
	for _, key := range keys.VerificationKeys() {
		lastErr = c.parse(raw, claims, key)
		if lastErr == nil || !errors.Is(lastErr, ErrBadSignature) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Codec) parse(raw string, claims jwt.Claims, key []byte) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(c.cfg.Skew),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.clock.Now),
	}
	if c.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.cfg.Issuer))
	}
	_, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// classify folds the jwt library's error chain into the typed failures.
// The parser already checks in the order the failures are defined in:
// structure, then signature, then time bounds, then remaining claims.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		// Both mean the token is outside its validity window.
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: exp", ErrMissingClaim)
	case errors.Is(err, jwt.ErrTokenInvalidClaims):
		return fmt.Errorf("%w: %v", ErrMissingClaim, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

func requireRegistered(rc *jwt.RegisteredClaims) error {
	if rc.ID == "" {
		return fmt.Errorf("%w: jti", ErrMissingClaim)
	}
	if rc.IssuedAt == nil {
		return fmt.Errorf("%w: iat", ErrMissingClaim)
	}
	if rc.Subject == "" {
		return fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return nil
}

func validPermissions(perms []string) bool {
	if len(perms) == 0 {
		return false
	}
	for _, p := range perms {
		if p != PermissionRead && p != PermissionWrite {
			return false
		}
	}
	return true
}
