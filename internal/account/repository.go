package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/infra"
	"github.com/subscriber-dash/authcore/internal/tier"
)

// ErrExists is returned by Create when the email is already registered.
var ErrExists = errors.New("account already exists")

// Repository persists backend accounts.
type Repository interface {
	Create(ctx context.Context, acct Account) error
	FindByEmail(ctx context.Context, email string) (Account, error)
	FindByID(ctx context.Context, id string) (Account, error)
	// Upsert creates the account when absent or updates tier and tier
	// source when present. A stored tier changed after in.VerifiedAt is
	// kept. The returned ID is stable per email.
	Upsert(ctx context.Context, in UpsertInput, now time.Time) (Account, bool, error)
	SetPassword(ctx context.Context, id string, hash []byte) error
	UpdateTier(ctx context.Context, id string, t tier.Tier) error
	UpdateTokenVersion(ctx context.Context, id string, version int) error
	Touch(ctx context.Context, id string, at time.Time) error
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db infra.DB
}

// NewPostgresRepository builds a Postgres-backed account repository.
func NewPostgresRepository(db infra.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const accountColumns = `id, email, tier, user_type, status, password_hash, token_version, metadata, created_at, updated_at, tier_updated_at, last_activity_at`

// Create inserts a new account.
func (r *PostgresRepository) Create(ctx context.Context, acct Account) error {
	id, err := uuid.Parse(acct.ID)
	if err != nil {
		return fmt.Errorf("account id: %w", err)
	}
	metadata := acct.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	_, err = r.db.Exec(ctx, `INSERT INTO accounts (id, email, tier, user_type, status, password_hash, metadata, created_at, updated_at, tier_updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $8)`,
		id, acct.Email, string(acct.Tier), acct.UserType, acct.Status, acct.PasswordHash, metadata, acct.CreatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrExists
	}
	return err
}

// FindByEmail fetches an account by normalized email.
func (r *PostgresRepository) FindByEmail(ctx context.Context, email string) (Account, error) {
	row := r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email)
	return scanAccount(row)
}

// FindByID fetches an account by id.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (Account, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return Account{}, autherr.ErrNotFound
	}
	row := r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, uid)
	return scanAccount(row)
}

// Upsert relies on the unique email constraint so concurrent bridges for the
// same email converge on one row.
func (r *PostgresRepository) Upsert(ctx context.Context, in UpsertInput, now time.Time) (Account, bool, error) {
	verifiedAt := in.VerifiedAt
	if verifiedAt.IsZero() {
		verifiedAt = now
	}
	row := r.db.QueryRow(ctx, `INSERT INTO accounts (id, email, tier, user_type, status, metadata, created_at, updated_at, tier_updated_at)
        VALUES ($1, $2, $3, 'subscriber', 'active', jsonb_build_object('tier_source', $4::text), $5, $5, $6)
        ON CONFLICT (email) DO UPDATE SET
            tier = CASE WHEN EXCLUDED.tier_updated_at >= accounts.tier_updated_at
                THEN EXCLUDED.tier ELSE accounts.tier END,
            metadata = CASE WHEN EXCLUDED.tier_updated_at >= accounts.tier_updated_at
                THEN accounts.metadata || EXCLUDED.metadata ELSE accounts.metadata END,
            tier_updated_at = GREATEST(accounts.tier_updated_at, EXCLUDED.tier_updated_at),
            status = 'active',
            updated_at = EXCLUDED.updated_at
        RETURNING `+accountColumns+`, (xmax = 0) AS inserted`,
		uuid.New(), in.Email, string(in.Tier), string(in.Source), now.UTC(), verifiedAt.UTC())

	var inserted bool
	acct, err := scanAccount(row, &inserted)
	if err != nil {
		return Account{}, false, err
	}
	return acct, inserted, nil
}

// SetPassword stores a bcrypt hash for credentialed login.
func (r *PostgresRepository) SetPassword(ctx context.Context, id string, hash []byte) error {
	return r.update(ctx, `UPDATE accounts SET password_hash = $1, updated_at = now() WHERE id = $2`, hash, id)
}

// UpdateTier overrides the stored tier, used by admin corrections.
func (r *PostgresRepository) UpdateTier(ctx context.Context, id string, t tier.Tier) error {
	return r.update(ctx, `UPDATE accounts SET tier = $1, tier_updated_at = now(), updated_at = now() WHERE id = $2`, string(t), id)
}

// UpdateTokenVersion bumps the version embedded in issued tokens.
func (r *PostgresRepository) UpdateTokenVersion(ctx context.Context, id string, version int) error {
	return r.update(ctx, `UPDATE accounts SET token_version = $1, updated_at = now() WHERE id = $2`, version, id)
}

// Touch records the last authenticated activity.
func (r *PostgresRepository) Touch(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, `UPDATE accounts SET last_activity_at = $1 WHERE id = $2`, at.UTC(), id)
}

func (r *PostgresRepository) update(ctx context.Context, sql string, value any, id string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return autherr.ErrNotFound
	}
	cmd, err := r.db.Exec(ctx, sql, value, uid)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return autherr.ErrNotFound
	}
	return nil
}

func scanAccount(row pgx.Row, extra ...any) (Account, error) {
	var (
		acct         Account
		id           uuid.UUID
		tierValue    string
		lastActivity *time.Time
	)
	dest := []any{&id, &acct.Email, &tierValue, &acct.UserType, &acct.Status, &acct.PasswordHash,
		&acct.TokenVersion, &acct.Metadata, &acct.CreatedAt, &acct.UpdatedAt, &acct.TierUpdatedAt, &lastActivity}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, autherr.ErrNotFound
		}
		return Account{}, err
	}
	acct.ID = id.String()
	acct.Tier = tier.ParseTier(tierValue)
	acct.CreatedAt = acct.CreatedAt.UTC()
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	acct.TierUpdatedAt = acct.TierUpdatedAt.UTC()
	acct.LastActivityAt = lastActivity
	return acct, nil
}
