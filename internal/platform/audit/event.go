package audit

import (
	"time"

	"github.com/careportal/careportal/internal/platform/redact"
)

// Severity ranks how urgently an event needs attention. High and emergency
// events are the ones the service refuses to lose: the pipeline fails closed
// when they cannot be made durable.
type Severity string

const (
	SeverityLow       Severity = "low"
	SeverityMedium    Severity = "medium"
	SeverityHigh      Severity = "high"
	SeverityEmergency Severity = "emergency"
)

// FailClosed reports whether a write of this severity must succeed for the
// request to proceed.
func (s Severity) FailClosed() bool {
	return s == SeverityHigh || s == SeverityEmergency
}

// Outcome records how the audited request ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Class is the advisory retention class stored with each event. The
// persistence layer prunes by it; this service only labels.
type Class string

const (
	ClassGeneral Class = "general"
	ClassError   Class = "error"
	ClassAudit   Class = "audit"
)

// RetentionDays returns the advisory retention period for a class.
func RetentionDays(c Class) int {
	switch c {
	case ClassError:
		return 90
	case ClassAudit:
		return 7 * 365
	default:
		return 30
	}
}

// Event types written by the auth core. The set is extensible; unknown types
// default to medium severity in the audit retention class so nothing new is
// accidentally droppable.
const (
	TypeUserRegistered           = "USER_REGISTERED"
	TypeLoginSuccess             = "LOGIN_SUCCESS"
	TypeLoginFailed              = "LOGIN_FAILED"
	TypeLoginThrottled           = "LOGIN_THROTTLED"
	TypeRateLimited              = "RATE_LIMITED"
	TypeLogout                   = "LOGOUT"
	TypeTokenRefreshed           = "TOKEN_REFRESHED"
	TypeRefreshReplay            = "REFRESH_REPLAY"
	TypePasswordChanged          = "PASSWORD_CHANGED"
	TypePasswordResetRequested   = "PASSWORD_RESET_REQUESTED"
	TypePasswordResetCompleted   = "PASSWORD_RESET_COMPLETED"
	TypeEmailVerified            = "EMAIL_VERIFIED"
	TypePhoneVerified            = "PHONE_VERIFIED"
	TypeVerificationThrottled    = "VERIFICATION_THROTTLED"
	TypeAuthenticationSuccess    = "AUTHENTICATION_SUCCESS"
	TypeUnauthenticatedAttempt   = "UNAUTHENTICATED_ATTEMPT"
	TypeInvalidToken             = "INVALID_TOKEN"
	TypeInactiveOrMissingSubject = "INACTIVE_OR_MISSING_SUBJECT"
	TypeUnauthorizedRole         = "UNAUTHORIZED_ROLE"
	TypeInsufficientPermissions  = "INSUFFICIENT_PERMISSIONS"
	TypeUnauthorizedPatient      = "UNAUTHORIZED_PATIENT_ACCESS"
	TypeProviderAccess           = "HEALTHCARE_PROVIDER_ACCESS"
	TypeAdminAccess              = "ADMIN_ACCESS"
	TypeMedicalTokenAccess       = "MEDICAL_RECORD_TOKEN_ACCESS"
	TypeUpstreamTimeout          = "UPSTREAM_TIMEOUT"
)

type profile struct {
	severity Severity
	class    Class
}

var profiles = map[string]profile{
	TypeUserRegistered:           {SeverityLow, ClassAudit},
	TypeLoginSuccess:             {SeverityLow, ClassAudit},
	TypeLoginFailed:              {SeverityMedium, ClassAudit},
	TypeLoginThrottled:           {SeverityMedium, ClassAudit},
	TypeRateLimited:              {SeverityMedium, ClassGeneral},
	TypeLogout:                   {SeverityLow, ClassAudit},
	TypeTokenRefreshed:           {SeverityLow, ClassAudit},
	TypeRefreshReplay:            {SeverityHigh, ClassAudit},
	TypePasswordChanged:          {SeverityMedium, ClassAudit},
	TypePasswordResetRequested:   {SeverityLow, ClassAudit},
	TypePasswordResetCompleted:   {SeverityMedium, ClassAudit},
	TypeEmailVerified:            {SeverityLow, ClassAudit},
	TypePhoneVerified:            {SeverityLow, ClassAudit},
	TypeVerificationThrottled:    {SeverityMedium, ClassAudit},
	TypeAuthenticationSuccess:    {SeverityLow, ClassGeneral},
	TypeUnauthenticatedAttempt:   {SeverityLow, ClassGeneral},
	TypeInvalidToken:             {SeverityMedium, ClassAudit},
	TypeInactiveOrMissingSubject: {SeverityMedium, ClassAudit},
	TypeUnauthorizedRole:         {SeverityMedium, ClassAudit},
	TypeInsufficientPermissions:  {SeverityMedium, ClassAudit},
	TypeUnauthorizedPatient:      {SeverityHigh, ClassAudit},
	TypeProviderAccess:           {SeverityLow, ClassAudit},
	TypeAdminAccess:              {SeverityMedium, ClassAudit},
	TypeMedicalTokenAccess:       {SeverityMedium, ClassAudit},
	TypeUpstreamTimeout:          {SeverityMedium, ClassError},
}

// Event is one append-only journal entry. Subject and Target may be passed
// raw; normalization masks them and scrubs Details before anything leaves
// the process, so no caller mistake can leak an identifier.
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	Type       string         `json:"eventType"`
	Severity   Severity       `json:"severity"`
	Class      Class          `json:"retentionClass"`
	Subject    string         `json:"subjectIdMasked,omitempty"`
	Target     string         `json:"targetIdMasked,omitempty"`
	RemoteAddr string         `json:"remoteAddress,omitempty"`
	UserAgent  string         `json:"userAgent,omitempty"`
	RequestID  string         `json:"requestId,omitempty"`
	Outcome    Outcome        `json:"outcome"`
	Details    map[string]any `json:"details,omitempty"`
}

// normalize fills defaults and applies mandatory redaction. Masking is
// idempotent, so already-masked callers lose nothing.
func (e *Event) normalize(now time.Time) {
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	p, ok := profiles[e.Type]
	if !ok {
		p = profile{SeverityMedium, ClassAudit}
	}
	if e.Severity == "" {
		e.Severity = p.severity
	}
	if e.Class == "" {
		e.Class = p.class
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	e.Subject = redact.MaskID(e.Subject)
	e.Target = redact.MaskID(e.Target)
	e.Details = redact.Map(e.Details)
}

// droppable events are the only ones overflow may discard.
func droppable(e *Event) bool {
	return e.Class == ClassGeneral && e.Severity == SeverityLow
}
