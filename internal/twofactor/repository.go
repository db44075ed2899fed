package twofactor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/infra"
)

// ErrAdminExists is returned when enrolling an email twice.
var ErrAdminExists = errors.New("admin already enrolled")

// Repository persists admins, their sessions, backup codes, security events
// and trusted devices.
type Repository interface {
	CreateAdmin(ctx context.Context, admin Admin, backupHashes [][]byte) error
	FindAdmin(ctx context.Context, email string) (Admin, error)
	// RecordFailure increments the failure counter and locks the admin once
	// it reaches maxAttempts. It returns the updated admin.
	RecordFailure(ctx context.Context, email string, maxAttempts int, at time.Time) (Admin, error)
	ResetFailures(ctx context.Context, email string) error
	Lock(ctx context.Context, email string, at time.Time) error
	Unlock(ctx context.Context, email string) error

	CreateSession(ctx context.Context, s Session) error
	FindSession(ctx context.Context, tokenHash string) (Session, error)
	LatestPendingSession(ctx context.Context, email string, now time.Time) (Session, error)
	MarkVerified(ctx context.Context, tokenHash string, at time.Time) error
	DeleteSession(ctx context.Context, tokenHash string) error
	DeleteSessions(ctx context.Context, email string) error

	// ConsumeBackupCode deletes the matching code and reports whether one
	// matched. Check and delete happen in one transaction.
	ConsumeBackupCode(ctx context.Context, email, code string) (bool, error)
	RecordEvent(ctx context.Context, e Event) error
	Events(ctx context.Context, email string, limit int) ([]Event, error)
	UpsertDevice(ctx context.Context, d TrustedDevice) error
	Devices(ctx context.Context, email string) ([]TrustedDevice, error)
}

type PostgresRepository struct {
	db infra.DB
}

func NewPostgresRepository(db infra.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) CreateAdmin(ctx context.Context, admin Admin, backupHashes [][]byte) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	_, err = tx.Exec(ctx, `INSERT INTO admin_users (email, password_hash, totp_secret, created_at) VALUES ($1, $2, $3, $4)`,
		admin.Email, admin.PasswordHash, admin.TOTPSecret, admin.CreatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAdminExists
	}
	if err != nil {
		return err
	}
	for _, hash := range backupHashes {
		if _, err := tx.Exec(ctx, `INSERT INTO admin_backup_codes (id, admin_email, code_hash) VALUES ($1, $2, $3)`,
			uuid.New(), admin.Email, hash); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) FindAdmin(ctx context.Context, email string) (Admin, error) {
	var a Admin
	err := r.db.QueryRow(ctx, `SELECT email, password_hash, totp_secret, failed_attempts, locked_at, created_at
        FROM admin_users WHERE email = $1`, email).
		Scan(&a.Email, &a.PasswordHash, &a.TOTPSecret, &a.FailedAttempts, &a.LockedAt, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Admin{}, autherr.ErrNotFound
		}
		return Admin{}, err
	}
	return a, nil
}

func (r *PostgresRepository) RecordFailure(ctx context.Context, email string, maxAttempts int, at time.Time) (Admin, error) {
	a := Admin{Email: email}
	err := r.db.QueryRow(ctx, `UPDATE admin_users SET
            failed_attempts = failed_attempts + 1,
            locked_at = CASE WHEN locked_at IS NULL AND failed_attempts + 1 >= $2 THEN $3 ELSE locked_at END
        WHERE email = $1
        RETURNING failed_attempts, locked_at`, email, maxAttempts, at.UTC()).
		Scan(&a.FailedAttempts, &a.LockedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Admin{}, autherr.ErrNotFound
		}
		return Admin{}, err
	}
	return a, nil
}

func (r *PostgresRepository) ResetFailures(ctx context.Context, email string) error {
	return r.exec(ctx, `UPDATE admin_users SET failed_attempts = 0 WHERE email = $1`, email)
}

func (r *PostgresRepository) Lock(ctx context.Context, email string, at time.Time) error {
	return r.exec(ctx, `UPDATE admin_users SET locked_at = COALESCE(locked_at, $2) WHERE email = $1`, email, at.UTC())
}

func (r *PostgresRepository) Unlock(ctx context.Context, email string) error {
	return r.exec(ctx, `UPDATE admin_users SET locked_at = NULL, failed_attempts = 0 WHERE email = $1`, email)
}

func (r *PostgresRepository) CreateSession(ctx context.Context, s Session) error {
	_, err := r.db.Exec(ctx, `INSERT INTO admin_2fa_sessions (token_hash, admin_email, created_at, expires_at, ip_address, user_agent)
        VALUES ($1, $2, $3, $4, $5, $6)`,
		s.TokenHash, s.AdminEmail, s.CreatedAt.UTC(), s.ExpiresAt.UTC(), s.IPAddress, s.UserAgent)
	return err
}

const sessionColumns = `token_hash, admin_email, created_at, expires_at, verified_at, ip_address, user_agent`

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	if err := row.Scan(&s.TokenHash, &s.AdminEmail, &s.CreatedAt, &s.ExpiresAt, &s.VerifiedAt, &s.IPAddress, &s.UserAgent); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, autherr.ErrNotFound
		}
		return Session{}, err
	}
	return s, nil
}

func (r *PostgresRepository) FindSession(ctx context.Context, tokenHash string) (Session, error) {
	return scanSession(r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM admin_2fa_sessions WHERE token_hash = $1`, tokenHash))
}

func (r *PostgresRepository) LatestPendingSession(ctx context.Context, email string, now time.Time) (Session, error) {
	return scanSession(r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM admin_2fa_sessions
        WHERE admin_email = $1 AND verified_at IS NULL AND expires_at > $2
        ORDER BY created_at DESC LIMIT 1`, email, now.UTC()))
}

func (r *PostgresRepository) MarkVerified(ctx context.Context, tokenHash string, at time.Time) error {
	return r.exec(ctx, `UPDATE admin_2fa_sessions SET verified_at = $2 WHERE token_hash = $1`, tokenHash, at.UTC())
}

func (r *PostgresRepository) DeleteSession(ctx context.Context, tokenHash string) error {
	return r.exec(ctx, `DELETE FROM admin_2fa_sessions WHERE token_hash = $1`, tokenHash)
}

func (r *PostgresRepository) DeleteSessions(ctx context.Context, email string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM admin_2fa_sessions WHERE admin_email = $1`, email)
	return err
}

func (r *PostgresRepository) ConsumeBackupCode(ctx context.Context, email, code string) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	rows, err := tx.Query(ctx, `SELECT id, code_hash FROM admin_backup_codes WHERE admin_email = $1 FOR UPDATE`, email)
	if err != nil {
		return false, err
	}
	var match *uuid.UUID
	for rows.Next() {
		var (
			id   uuid.UUID
			hash []byte
		)
		if err := rows.Scan(&id, &hash); err != nil {
			rows.Close()
			return false, err
		}
		if match == nil && bcrypt.CompareHashAndPassword(hash, []byte(code)) == nil {
			matched := id
			match = &matched
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}
	if match == nil {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM admin_backup_codes WHERE id = $1`, *match); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (r *PostgresRepository) RecordEvent(ctx context.Context, e Event) error {
	_, err := r.db.Exec(ctx, `INSERT INTO admin_security_events (id, admin_email, kind, method, success, reason, ip_address, user_agent, occurred_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.New(), e.AdminEmail, string(e.Kind), string(e.Method), e.Success, e.Reason, e.IPAddress, e.UserAgent, e.At.UTC())
	return err
}

func (r *PostgresRepository) Events(ctx context.Context, email string, limit int) ([]Event, error) {
	rows, err := r.db.Query(ctx, `SELECT id, admin_email, kind, method, success, reason, ip_address, user_agent, occurred_at
        FROM admin_security_events WHERE admin_email = $1 ORDER BY occurred_at DESC LIMIT $2`, email, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e      Event
			id     uuid.UUID
			kind   string
			method string
		)
		if err := rows.Scan(&id, &e.AdminEmail, &kind, &method, &e.Success, &e.Reason, &e.IPAddress, &e.UserAgent, &e.At); err != nil {
			return nil, err
		}
		e.ID = id.String()
		e.Kind = EventKind(kind)
		e.Method = Method(method)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *PostgresRepository) UpsertDevice(ctx context.Context, d TrustedDevice) error {
	_, err := r.db.Exec(ctx, `INSERT INTO admin_trusted_devices (admin_email, fingerprint, name, last_used_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (admin_email, fingerprint) DO UPDATE SET name = EXCLUDED.name, last_used_at = EXCLUDED.last_used_at`,
		d.AdminEmail, d.Fingerprint, d.Name, d.LastUsedAt.UTC())
	return err
}

func (r *PostgresRepository) Devices(ctx context.Context, email string) ([]TrustedDevice, error) {
	rows, err := r.db.Query(ctx, `SELECT admin_email, fingerprint, name, last_used_at
        FROM admin_trusted_devices WHERE admin_email = $1 ORDER BY last_used_at DESC`, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []TrustedDevice
	for rows.Next() {
		var d TrustedDevice
		if err := rows.Scan(&d.AdminEmail, &d.Fingerprint, &d.Name, &d.LastUsedAt); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (r *PostgresRepository) exec(ctx context.Context, sql string, args ...any) error {
	cmd, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("admin store: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return autherr.ErrNotFound
	}
	return nil
}
