package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/infra"
	"github.com/subscriber-dash/authcore/internal/tier"
)

// Record is the server-side row behind a session token. Only the hash of
// the token is kept.
type Record struct {
	TokenHash      string
	Email          string
	Tier           tier.Tier
	Source         tier.Source
	ExpiresAt      time.Time
	BackendUserID  string
	CreatedAt      time.Time
	LastActivityAt *time.Time
	RevokedAt      *time.Time
}

// Active reports whether the record may still be exchanged.
func (r Record) Active(now time.Time) bool {
	return r.RevokedAt == nil && now.Before(r.ExpiresAt)
}

// TokenRepository persists session token records.
type TokenRepository interface {
	Create(ctx context.Context, rec Record) error
	Lookup(ctx context.Context, tokenHash string) (Record, error)
	BindUser(ctx context.Context, tokenHash, userID string) error
	Touch(ctx context.Context, tokenHash string, at time.Time) error
	Revoke(ctx context.Context, tokenHash string, at time.Time) error
}

// NewToken returns a random opaque session token.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken is the lookup key stored for a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// PostgresTokenRepository stores records in auth_sessions.
type PostgresTokenRepository struct {
	db infra.DB
}

func NewPostgresTokenRepository(db infra.DB) *PostgresTokenRepository {
	return &PostgresTokenRepository{db: db}
}

func (r *PostgresTokenRepository) Create(ctx context.Context, rec Record) error {
	_, err := r.db.Exec(ctx, `INSERT INTO auth_sessions (token_hash, email, tier, source, created_at, expires_at)
        VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.TokenHash, rec.Email, string(rec.Tier), string(rec.Source), rec.CreatedAt.UTC(), rec.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert session token: %w", err)
	}
	return nil
}

func (r *PostgresTokenRepository) Lookup(ctx context.Context, tokenHash string) (Record, error) {
	var (
		rec     Record
		tierVal string
		source  string
		userID  *string
	)
	err := r.db.QueryRow(ctx, `SELECT token_hash, email, tier, source, backend_user_id::text, created_at, expires_at, last_activity_at, revoked_at
        FROM auth_sessions WHERE token_hash = $1`, tokenHash).
		Scan(&rec.TokenHash, &rec.Email, &tierVal, &source, &userID, &rec.CreatedAt, &rec.ExpiresAt, &rec.LastActivityAt, &rec.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, autherr.ErrNotFound
		}
		return Record{}, err
	}
	rec.Tier = tier.ParseTier(tierVal)
	rec.Source = tier.ParseSource(source)
	if userID != nil {
		rec.BackendUserID = *userID
	}
	return rec, nil
}

func (r *PostgresTokenRepository) BindUser(ctx context.Context, tokenHash, userID string) error {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return fmt.Errorf("backend user id: %w", err)
	}
	return r.update(ctx, `UPDATE auth_sessions SET backend_user_id = $1 WHERE token_hash = $2`, uid, tokenHash)
}

func (r *PostgresTokenRepository) Touch(ctx context.Context, tokenHash string, at time.Time) error {
	return r.update(ctx, `UPDATE auth_sessions SET last_activity_at = $1 WHERE token_hash = $2`, at.UTC(), tokenHash)
}

func (r *PostgresTokenRepository) Revoke(ctx context.Context, tokenHash string, at time.Time) error {
	return r.update(ctx, `UPDATE auth_sessions SET revoked_at = COALESCE(revoked_at, $1) WHERE token_hash = $2`, at.UTC(), tokenHash)
}

func (r *PostgresTokenRepository) update(ctx context.Context, sql string, value any, tokenHash string) error {
	cmd, err := r.db.Exec(ctx, sql, value, tokenHash)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return autherr.ErrNotFound
	}
	return nil
}

// MemoryTokenRepository is the in-process TokenRepository.
type MemoryTokenRepository struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryTokenRepository() *MemoryTokenRepository {
	return &MemoryTokenRepository{records: make(map[string]Record)}
}

func (r *MemoryTokenRepository) Create(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[rec.TokenHash]; exists {
		return fmt.Errorf("session token already exists")
	}
	r.records[rec.TokenHash] = rec
	return nil
}

func (r *MemoryTokenRepository) Lookup(_ context.Context, tokenHash string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[tokenHash]
	if !ok {
		return Record{}, autherr.ErrNotFound
	}
	return rec, nil
}

func (r *MemoryTokenRepository) BindUser(_ context.Context, tokenHash, userID string) error {
	return r.mutate(tokenHash, func(rec *Record) { rec.BackendUserID = userID })
}

func (r *MemoryTokenRepository) Touch(_ context.Context, tokenHash string, at time.Time) error {
	return r.mutate(tokenHash, func(rec *Record) { rec.LastActivityAt = &at })
}

func (r *MemoryTokenRepository) Revoke(_ context.Context, tokenHash string, at time.Time) error {
	return r.mutate(tokenHash, func(rec *Record) {
		if rec.RevokedAt == nil {
			rec.RevokedAt = &at
		}
	})
}

func (r *MemoryTokenRepository) mutate(tokenHash string, fn func(*Record)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[tokenHash]
	if !ok {
		return autherr.ErrNotFound
	}
	fn(&rec)
	r.records[tokenHash] = rec
	return nil
}
