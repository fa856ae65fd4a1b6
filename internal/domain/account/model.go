// Package account owns the credential flows of the portal: registration,
// login, token refresh, logout, password maintenance and contact
// verification. User records themselves belong to the upstream CRUD
// service; this package reads them, writes password hashes and
// verification flags, and owns the session and verification-code tables
// outright.
package account

import "time"

// Roles a user record can carry.
const (
	RolePatient    = "patient"
	RoleProvider   = "provider"
	RoleAdmin      = "admin"
	RoleTechnician = "technician"
	RoleStaff      = "staff"
	RoleNurse      = "nurse"
)

// ValidRole reports whether role is one of the portal roles.
func ValidRole(role string) bool {
	switch role {
	case RolePatient, RoleProvider, RoleAdmin, RoleTechnician, RoleStaff, RoleNurse:
		return true
	}
	return false
}

// Verification channels. ChannelReset is not a contact channel; it rides
// the verification-code table to make password reset tokens single-use.
const (
	ChannelEmail = "email"
	ChannelPhone = "phone"
	ChannelReset = "reset"
)

// Permissions granted at registration. The vocabulary is small; richer
// grants are provisioned upstream.
const (
	PermRecordsRead  = "records:read"
	PermRecordsWrite = "records:write"
)

// User is the account record as the auth core consumes it.
type User struct {
	SubjectID         string     `db:"subject_id" json:"subjectId"`
	Email             string     `db:"email" json:"email"`
	Phone             string     `db:"phone" json:"phone,omitempty"`
	Role              string     `db:"role" json:"role"`
	Permissions       []string   `db:"permissions" json:"permissions"`
	PasswordHash      string     `db:"password_hash" json:"-"`
	PasswordUpdatedAt time.Time  `db:"password_updated_at" json:"-"`
	IsActive          bool       `db:"is_active" json:"isActive"`
	IsEmailVerified   bool       `db:"is_email_verified" json:"isEmailVerified"`
	IsPhoneVerified   bool       `db:"is_phone_verified" json:"isPhoneVerified"`
	CreatedAt         time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updatedAt"`
	DeactivatedAt     *time.Time `db:"deactivated_at" json:"-"`
}

// Profile is the self-view returned by GET /users/current. Same record,
// minus credentials.
type Profile struct {
	SubjectID       string    `json:"subjectId"`
	Email           string    `json:"email"`
	Phone           string    `json:"phone,omitempty"`
	Role            string    `json:"role"`
	Permissions     []string  `json:"permissions"`
	IsActive        bool      `json:"isActive"`
	IsEmailVerified bool      `json:"isEmailVerified"`
	IsPhoneVerified bool      `json:"isPhoneVerified"`
	CreatedAt       time.Time `json:"createdAt"`
}

func (u *User) Profile() Profile {
	perms := u.Permissions
	if perms == nil {
		perms = []string{}
	}
	return Profile{
		SubjectID:       u.SubjectID,
		Email:           u.Email,
		Phone:           u.Phone,
		Role:            u.Role,
		Permissions:     perms,
		IsActive:        u.IsActive,
		IsEmailVerified: u.IsEmailVerified,
		IsPhoneVerified: u.IsPhoneVerified,
		CreatedAt:       u.CreatedAt,
	}
}

// Session is one refresh token's server-side record. TokenID is the jti of
// the refresh token; Family groups every token descended from one login so
// a replayed ancestor can take the whole line down.
type Session struct {
	TokenID    string     `db:"token_id" json:"tokenId"`
	SubjectID  string     `db:"subject_id" json:"subjectId"`
	Family     string     `db:"family" json:"family"`
	IssuedAt   time.Time  `db:"issued_at" json:"issuedAt"`
	LastSeenAt time.Time  `db:"last_seen_at" json:"lastSeenAt"`
	RevokedAt  *time.Time `db:"revoked_at" json:"revokedAt,omitempty"`
}

// Active reports whether the session can still be rotated.
func (s *Session) Active() bool { return s.RevokedAt == nil }

// VerificationCode is one pending email or phone challenge. Only the
// sha256 of the 6-digit code is stored.
type VerificationCode struct {
	SubjectID     string     `db:"subject_id"`
	Channel       string     `db:"channel"`
	CodeHash      string     `db:"code_hash"`
	ExpiresAt     time.Time  `db:"expires_at"`
	Attempts      int        `db:"attempts"`
	LastAttemptAt *time.Time `db:"last_attempt_at"`
	ConsumedAt    *time.Time `db:"consumed_at"`
}

// TokenPair is what login and refresh hand back.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// Client carries the request attribution the flows stamp on audit events.
type Client struct {
	RemoteAddr string
	UserAgent  string
	RequestID  string
}
