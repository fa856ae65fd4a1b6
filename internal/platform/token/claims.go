package token

import (
	"github.com/golang-jwt/jwt/v5"
)

// Actions a medical-scope token may grant.
const (
	PermissionRead  = "read"
	PermissionWrite = "write"
)

// PurposePasswordReset is the only purpose a reset token may carry.
const PurposePasswordReset = "password_reset"

// AccessClaims identify an authenticated subject for the lifetime of one
// short-lived access token. Subject and Role are required; jti, iat and exp
// are stamped by the codec.
type AccessClaims struct {
	jwt.RegisteredClaims
	Use  string `json:"use"`
	Role string `json:"role"`
}

// RefreshClaims carry only the subject; everything else about the refresh
// family lives server-side in the session store, keyed by jti.
type RefreshClaims struct {
	jwt.RegisteredClaims
	Use string `json:"use"`
}

// MedicalClaims scope one provider to one patient's record type for a narrow
// set of actions. Minting happens outside this service; the claim names below
// are the wire contract minters must follow.
type MedicalClaims struct {
	jwt.RegisteredClaims
	Use         string   `json:"use"`
	ProviderID  string   `json:"providerId"`
	PatientID   string   `json:"patientId"`
	RecordType  string   `json:"recordType"`
	Permissions []string `json:"permissions"`
	Reason      string   `json:"reason"`
}

// Allows reports whether the token grants the requested action.
func (m *MedicalClaims) Allows(action string) bool {
	for _, p := range m.Permissions {
		if p == action {
			return true
		}
	}
	return false
}

// ResetClaims authorize exactly one password reset for one subject.
type ResetClaims struct {
	jwt.RegisteredClaims
	Use     string `json:"use"`
	Purpose string `json:"purpose"`
}
