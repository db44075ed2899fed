// Package twofactor implements second-factor sessions for administrators.
package twofactor

import "time"

// State is the lifecycle position of a two-factor session.
type State string

const (
	StateNone     State = "NONE"
	StatePending  State = "PENDING_VERIFICATION"
	StateVerified State = "VERIFIED"
	StateExpired  State = "EXPIRED"
)

// Method is the kind of second factor presented.
type Method string

const (
	MethodTOTP   Method = "totp"
	MethodBackup Method = "backup_code"
)

// Valid reports whether m is a supported method.
func (m Method) Valid() bool {
	return m == MethodTOTP || m == MethodBackup
}

// Admin is an administrator enrolled in two-factor authentication.
type Admin struct {
	Email          string
	PasswordHash   []byte
	TOTPSecret     string
	FailedAttempts int
	LockedAt       *time.Time
	CreatedAt      time.Time
}

// Locked reports whether the account is locked. Only an explicit unlock
// clears it.
func (a Admin) Locked() bool {
	return a.LockedAt != nil
}

// Session is a two-factor session. It starts pending and becomes verified
// once a second factor is accepted.
type Session struct {
	TokenHash  string
	AdminEmail string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	VerifiedAt *time.Time
	IPAddress  string
	UserAgent  string
}

// State derives the lifecycle state at now. A nil session is StateNone.
func (s *Session) State(now time.Time) State {
	switch {
	case s == nil:
		return StateNone
	case !now.Before(s.ExpiresAt):
		return StateExpired
	case s.VerifiedAt != nil:
		return StateVerified
	default:
		return StatePending
	}
}

// Fresh reports whether the verification happened within freshness of now.
func (s *Session) Fresh(now time.Time, freshness time.Duration) bool {
	return s != nil && s.VerifiedAt != nil && now.Sub(*s.VerifiedAt) <= freshness
}

// CanAuthorize reports whether the session may authorize a new sensitive
// action: verified, unexpired and verified recently enough.
func (s *Session) CanAuthorize(now time.Time, freshness time.Duration) bool {
	return s.State(now) == StateVerified && s.Fresh(now, freshness)
}

// EventKind classifies security events.
type EventKind string

const (
	EventSessionStarted EventKind = "session_started"
	EventPasswordFailed EventKind = "password_failed"
	EventVerification   EventKind = "verification"
	EventLockedAttempt  EventKind = "locked_attempt"
	EventLockout        EventKind = "lockout"
	EventUnlock         EventKind = "unlock"
	EventRevoke         EventKind = "revoke"
)

// Event is an entry in the security event log.
type Event struct {
	ID         string
	AdminEmail string
	Kind       EventKind
	Method     Method
	Success    bool
	Reason     string
	IPAddress  string
	UserAgent  string
	At         time.Time
}

// TrustedDevice is a device an admin chose to remember after verifying.
type TrustedDevice struct {
	AdminEmail  string    `json:"-"`
	Fingerprint string    `json:"fingerprint"`
	Name        string    `json:"name"`
	LastUsedAt  time.Time `json:"last_used_at"`
}
