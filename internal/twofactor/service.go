package twofactor

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/logging"
	"github.com/subscriber-dash/authcore/internal/notification"
	"github.com/subscriber-dash/authcore/internal/session"
	"github.com/subscriber-dash/authcore/internal/validate"
)

// ErrInvalidCode is returned for a rejected password or second factor.
var ErrInvalidCode = fmt.Errorf("invalid credentials or code: %w", autherr.ErrInvalidToken)

// Config holds the two-factor policy.
type Config struct {
	Freshness   time.Duration
	DefaultTTL  time.Duration
	MaxTTL      time.Duration
	MaxAttempts int
	Issuer      string
	BackupCodes int
	// BcryptCost applies to passwords and backup codes. Zero is bcrypt.DefaultCost.
	BcryptCost int
}

func (c Config) withDefaults() Config {
	if c.Freshness <= 0 {
		c.Freshness = 15 * time.Minute
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = time.Hour
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = 8 * time.Hour
	}
	if c.DefaultTTL > c.MaxTTL {
		c.DefaultTTL = c.MaxTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Issuer == "" {
		c.Issuer = "SubscriberAuth"
	}
	if c.BackupCodes <= 0 {
		c.BackupCodes = 10
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.DefaultCost
	}
	return c
}

// Service runs the admin two-factor session lifecycle.
type Service struct {
	repo     Repository
	cfg      Config
	notifier notification.Notifier
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises a Service.
type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithNotifier alerts admins when their account gets locked.
func WithNotifier(n notification.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewService(repo Repository, cfg Config, opts ...Option) *Service {
	s := &Service{repo: repo, cfg: cfg.withDefaults(), logger: logging.Discard(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Freshness is the window in which a verification authorizes new actions.
func (s *Service) Freshness() time.Duration { return s.cfg.Freshness }

// Client describes where a request came from.
type Client struct {
	IPAddress string
	UserAgent string
}

type StartInput struct {
	AdminEmail     string
	Password       string
	ExpiresMinutes int
	Client
}

type StartResult struct {
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// StartSession checks the admin password and opens a pending session.
func (s *Service) StartSession(ctx context.Context, in StartInput) (StartResult, error) {
	email, err := validate.Email(in.AdminEmail)
	if err != nil {
		return StartResult{}, err
	}
	admin, err := s.findAdmin(ctx, email)
	if err != nil {
		return StartResult{}, err
	}
	if admin.Locked() {
		s.record(ctx, Event{AdminEmail: email, Kind: EventLockedAttempt, Reason: "session start while locked", IPAddress: in.IPAddress, UserAgent: in.UserAgent})
		return StartResult{}, autherr.ErrLockedAccount
	}
	if bcrypt.CompareHashAndPassword(admin.PasswordHash, []byte(in.Password)) != nil {
		s.record(ctx, Event{AdminEmail: email, Kind: EventPasswordFailed, Reason: "wrong password", IPAddress: in.IPAddress, UserAgent: in.UserAgent})
		if _, err := s.fail(ctx, email, in.Client); err != nil {
			return StartResult{}, err
		}
		return StartResult{}, ErrInvalidCode
	}

	ttl := s.cfg.DefaultTTL
	if in.ExpiresMinutes > 0 {
		ttl = time.Duration(in.ExpiresMinutes) * time.Minute
	}
	if ttl > s.cfg.MaxTTL {
		ttl = s.cfg.MaxTTL
	}

	raw, err := session.NewToken()
	if err != nil {
		return StartResult{}, err
	}
	now := s.now().UTC()
	sess := Session{
		TokenHash:  session.HashToken(raw),
		AdminEmail: email,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		IPAddress:  in.IPAddress,
		UserAgent:  in.UserAgent,
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return StartResult{}, err
	}
	s.record(ctx, Event{AdminEmail: email, Kind: EventSessionStarted, Success: true, IPAddress: in.IPAddress, UserAgent: in.UserAgent})
	return StartResult{SessionToken: raw, ExpiresAt: sess.ExpiresAt}, nil
}

type VerifyInput struct {
	AdminEmail string
	// SessionToken selects the session; empty uses the latest pending one.
	SessionToken      string
	Code              string
	Method            Method
	DeviceFingerprint string
	DeviceName        string
	Client
}

type VerifyResult struct {
	Verified          bool       `json:"success"`
	RemainingAttempts int        `json:"remaining_attempts"`
	VerifiedAt        *time.Time `json:"verified_at,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
}

// Verify evaluates a second factor. A locked admin is rejected before the
// code is looked at. Each wrong code counts towards the lockout threshold;
// every attempt, including ones rejected before evaluation, is recorded.
func (s *Service) Verify(ctx context.Context, in VerifyInput) (VerifyResult, error) {
	email, err := validate.Email(in.AdminEmail)
	if err != nil {
		return VerifyResult{}, err
	}
	if !in.Method.Valid() {
		return s.reject(ctx, email, in, "invalid method",
			autherr.NewValidationError("method", "must be one of totp backup_code"))
	}
	code := strings.TrimSpace(in.Code)
	if code == "" {
		return s.reject(ctx, email, in, "missing code", autherr.NewValidationError("code", "is required"))
	}

	admin, err := s.findAdmin(ctx, email)
	if err != nil {
		if errors.Is(err, ErrInvalidCode) {
			return s.reject(ctx, email, in, "unknown admin", err)
		}
		return VerifyResult{}, err
	}
	if admin.Locked() {
		s.record(ctx, Event{AdminEmail: email, Kind: EventLockedAttempt, Method: in.Method, Reason: "verification while locked", IPAddress: in.IPAddress, UserAgent: in.UserAgent})
		s.metrics.observeAttempt(in.Method, "locked")
		return VerifyResult{}, autherr.ErrLockedAccount
	}

	sess, err := s.sessionFor(ctx, email, in.SessionToken)
	if err != nil {
		if errors.Is(err, autherr.ErrInvalidToken) {
			return s.reject(ctx, email, in, "session not usable", err)
		}
		return VerifyResult{}, err
	}

	ok, err := s.evaluate(ctx, admin, in.Method, code)
	if err != nil {
		return VerifyResult{}, err
	}
	if !ok {
		s.record(ctx, Event{AdminEmail: email, Kind: EventVerification, Method: in.Method, Reason: "invalid code", IPAddress: in.IPAddress, UserAgent: in.UserAgent})
		s.metrics.observeAttempt(in.Method, "failure")
		updated, err := s.fail(ctx, email, in.Client)
		if err != nil {
			return VerifyResult{}, err
		}
		remaining := s.cfg.MaxAttempts - updated.FailedAttempts
		if remaining < 0 {
			remaining = 0
		}
		return VerifyResult{RemainingAttempts: remaining}, ErrInvalidCode
	}

	now := s.now().UTC()
	if err := s.repo.ResetFailures(ctx, email); err != nil {
		return VerifyResult{}, err
	}
	if err := s.repo.MarkVerified(ctx, sess.TokenHash, now); err != nil {
		return VerifyResult{}, err
	}
	if in.DeviceFingerprint != "" {
		device := TrustedDevice{AdminEmail: email, Fingerprint: in.DeviceFingerprint, Name: in.DeviceName, LastUsedAt: now}
		if err := s.repo.UpsertDevice(ctx, device); err != nil {
			s.logger.Warn("trusted device not recorded", slog.String("admin_email", logging.MaskEmail(email)), slog.Any("error", err))
		}
	}
	s.record(ctx, Event{AdminEmail: email, Kind: EventVerification, Method: in.Method, Success: true, IPAddress: in.IPAddress, UserAgent: in.UserAgent})
	s.metrics.observeAttempt(in.Method, "success")

	expires := sess.ExpiresAt
	return VerifyResult{Verified: true, RemainingAttempts: s.cfg.MaxAttempts, VerifiedAt: &now, ExpiresAt: &expires}, nil
}

// reject records a verification attempt refused before its code was
// evaluated. It does not count towards the lockout threshold.
func (s *Service) reject(ctx context.Context, email string, in VerifyInput, reason string, err error) (VerifyResult, error) {
	method := in.Method
	if !method.Valid() {
		method = ""
	}
	s.record(ctx, Event{AdminEmail: email, Kind: EventVerification, Method: method, Reason: reason, IPAddress: in.IPAddress, UserAgent: in.UserAgent})
	s.metrics.observeAttempt(method, "rejected")
	return VerifyResult{}, err
}

func (s *Service) sessionFor(ctx context.Context, email, raw string) (Session, error) {
	now := s.now()
	if raw == "" {
		sess, err := s.repo.LatestPendingSession(ctx, email, now)
		if errors.Is(err, autherr.ErrNotFound) {
			return Session{}, fmt.Errorf("no pending two-factor session: %w", autherr.ErrInvalidToken)
		}
		return sess, err
	}
	sess, err := s.repo.FindSession(ctx, session.HashToken(raw))
	if err != nil {
		if errors.Is(err, autherr.ErrNotFound) {
			return Session{}, fmt.Errorf("unknown two-factor session: %w", autherr.ErrInvalidToken)
		}
		return Session{}, err
	}
	if sess.AdminEmail != email || sess.State(now) == StateExpired {
		return Session{}, fmt.Errorf("two-factor session not usable: %w", autherr.ErrInvalidToken)
	}
	return sess, nil
}

func (s *Service) evaluate(ctx context.Context, admin Admin, method Method, code string) (bool, error) {
	switch method {
	case MethodTOTP:
		ok, err := totp.ValidateCustom(code, admin.TOTPSecret, s.now().UTC(), totp.ValidateOpts{
			Period:    30,
			Skew:      1,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil {
			// Malformed codes are ordinary failures.
			return false, nil
		}
		return ok, nil
	default:
		return s.repo.ConsumeBackupCode(ctx, admin.Email, normalizeBackupCode(code))
	}
}

// fail counts a failure and locks the admin at the threshold.
func (s *Service) fail(ctx context.Context, email string, c Client) (Admin, error) {
	updated, err := s.repo.RecordFailure(ctx, email, s.cfg.MaxAttempts, s.now().UTC())
	if err != nil {
		return Admin{}, err
	}
	if updated.Locked() && updated.FailedAttempts == s.cfg.MaxAttempts {
		s.lockedOut(ctx, email, "too many failed attempts", c)
	}
	return updated, nil
}

func (s *Service) lockedOut(ctx context.Context, email, reason string, c Client) {
	s.metrics.observeLockout()
	if err := s.repo.DeleteSessions(ctx, email); err != nil {
		s.logger.Error("sessions not cleared on lockout", slog.String("admin_email", logging.MaskEmail(email)), slog.Any("error", err))
	}
	s.record(ctx, Event{AdminEmail: email, Kind: EventLockout, Success: true, Reason: reason, IPAddress: c.IPAddress, UserAgent: c.UserAgent})
	if s.notifier != nil {
		msg := notification.Message{
			Kind:        notification.KindAdminLocked,
			Destination: email,
			Subject:     "Admin account locked",
			Body:        "Your admin account was locked: " + reason + ". Ask another administrator to unlock it.",
		}
		if err := s.notifier.Send(ctx, msg); err != nil {
			s.logger.Warn("lockout alert not delivered", slog.String("admin_email", logging.MaskEmail(email)), slog.Any("error", err))
		}
	}
}

// Status describes a two-factor session.
type Status struct {
	Valid      bool       `json:"valid"`
	AdminEmail string     `json:"admin_email"`
	State      State      `json:"state"`
	ExpiresAt  time.Time  `json:"expires_at"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	Fresh      bool       `json:"fresh"`
}

// Check reports whether the session is verified and unexpired. Anything
// else is autherr.ErrInvalidToken; a locked admin is autherr.ErrLockedAccount.
func (s *Service) Check(ctx context.Context, raw string) (Status, error) {
	if raw == "" {
		return Status{}, fmt.Errorf("missing two-factor session: %w", autherr.ErrInvalidToken)
	}
	sess, err := s.repo.FindSession(ctx, session.HashToken(raw))
	if err != nil {
		if errors.Is(err, autherr.ErrNotFound) {
			return Status{}, fmt.Errorf("unknown two-factor session: %w", autherr.ErrInvalidToken)
		}
		return Status{}, err
	}
	now := s.now()
	state := sess.State(now)
	if state != StateVerified {
		return Status{}, fmt.Errorf("two-factor session %s: %w", strings.ToLower(string(state)), autherr.ErrInvalidToken)
	}
	admin, err := s.findAdmin(ctx, sess.AdminEmail)
	if err != nil {
		return Status{}, err
	}
	if admin.Locked() {
		return Status{}, autherr.ErrLockedAccount
	}
	return Status{
		Valid:      true,
		AdminEmail: sess.AdminEmail,
		State:      state,
		ExpiresAt:  sess.ExpiresAt,
		VerifiedAt: sess.VerifiedAt,
		Fresh:      sess.Fresh(now, s.cfg.Freshness),
	}, nil
}

// Authorize admits a new sensitive action only for a freshly verified
// session. A verified but stale session is autherr.ErrStaleSession.
func (s *Service) Authorize(ctx context.Context, raw string) (Status, error) {
	st, err := s.Check(ctx, raw)
	if err != nil {
		return Status{}, err
	}
	if !st.Fresh {
		return Status{}, fmt.Errorf("re-verify second factor: %w", autherr.ErrStaleSession)
	}
	return st, nil
}

// Revoke ends a two-factor session.
func (s *Service) Revoke(ctx context.Context, raw string, c Client) error {
	hash := session.HashToken(raw)
	sess, err := s.repo.FindSession(ctx, hash)
	if err != nil {
		if errors.Is(err, autherr.ErrNotFound) {
			return fmt.Errorf("unknown two-factor session: %w", autherr.ErrInvalidToken)
		}
		return err
	}
	if err := s.repo.DeleteSession(ctx, hash); err != nil {
		return err
	}
	s.record(ctx, Event{AdminEmail: sess.AdminEmail, Kind: EventRevoke, Success: true, IPAddress: c.IPAddress, UserAgent: c.UserAgent})
	return nil
}

// Unlock clears a lockout. actor is the admin or operator performing it.
func (s *Service) Unlock(ctx context.Context, email, actor string) error {
	email, err := validate.Email(email)
	if err != nil {
		return err
	}
	if err := s.repo.Unlock(ctx, email); err != nil {
		return err
	}
	s.record(ctx, Event{AdminEmail: email, Kind: EventUnlock, Success: true, Reason: "unlocked by " + actor})
	s.logger.Info("admin unlocked", slog.String("admin_email", logging.MaskEmail(email)), slog.String("actor", logging.MaskEmail(actor)))
	return nil
}

// Lockout locks an admin explicitly and destroys their sessions.
func (s *Service) Lockout(ctx context.Context, email, reason string, c Client) error {
	email, err := validate.Email(email)
	if err != nil {
		return err
	}
	if err := s.repo.Lock(ctx, email, s.now().UTC()); err != nil {
		return err
	}
	s.lockedOut(ctx, email, reason, c)
	return nil
}

type EnrollInput struct {
	Email    string
	Password string
}

// Enrollment carries the one-time secrets shown to a new admin.
type Enrollment struct {
	Email       string
	Secret      string
	URL         string
	BackupCodes []string
}

// Enroll creates an admin with a TOTP secret and a set of backup codes.
func (s *Service) Enroll(ctx context.Context, in EnrollInput) (Enrollment, error) {
	email, err := validate.Email(in.Email)
	if err != nil {
		return Enrollment{}, err
	}
	if err := validate.Password(in.Password); err != nil {
		return Enrollment{}, err
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cfg.BcryptCost)
	if err != nil {
		return Enrollment{}, err
	}
	key, err := totp.Generate(totp.GenerateOpts{Issuer: s.cfg.Issuer, AccountName: email})
	if err != nil {
		return Enrollment{}, fmt.Errorf("generate totp secret: %w", err)
	}

	codes := make([]string, s.cfg.BackupCodes)
	hashes := make([][]byte, s.cfg.BackupCodes)
	for i := range codes {
		code, err := newBackupCode()
		if err != nil {
			return Enrollment{}, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(normalizeBackupCode(code)), s.cfg.BcryptCost)
		if err != nil {
			return Enrollment{}, err
		}
		codes[i], hashes[i] = code, hash
	}

	admin := Admin{Email: email, PasswordHash: passwordHash, TOTPSecret: key.Secret(), CreatedAt: s.now().UTC()}
	if err := s.repo.CreateAdmin(ctx, admin, hashes); err != nil {
		return Enrollment{}, err
	}
	return Enrollment{Email: email, Secret: key.Secret(), URL: key.URL(), BackupCodes: codes}, nil
}

// TrustedDevices lists the devices remembered for an admin.
func (s *Service) TrustedDevices(ctx context.Context, email string) ([]TrustedDevice, error) {
	return s.repo.Devices(ctx, email)
}

// Events returns the most recent security events for an admin.
func (s *Service) Events(ctx context.Context, email string, limit int) ([]Event, error) {
	return s.repo.Events(ctx, email, limit)
}

func (s *Service) findAdmin(ctx context.Context, email string) (Admin, error) {
	admin, err := s.repo.FindAdmin(ctx, email)
	if errors.Is(err, autherr.ErrNotFound) {
		return Admin{}, ErrInvalidCode
	}
	return admin, err
}

func (s *Service) record(ctx context.Context, e Event) {
	e.At = s.now().UTC()
	if err := s.repo.RecordEvent(ctx, e); err != nil {
		s.logger.Error("security event not recorded",
			slog.String("admin_email", logging.MaskEmail(e.AdminEmail)),
			slog.String("kind", string(e.Kind)),
			slog.Any("error", err))
	}
}

const backupAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

func newBackupCode() (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate backup code: %w", err)
	}
	out := make([]byte, 0, 11)
	for i, b := range buf {
		if i == 5 {
			out = append(out, '-')
		}
		out = append(out, backupAlphabet[int(b)%len(backupAlphabet)])
	}
	return string(out), nil
}

func normalizeBackupCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}
