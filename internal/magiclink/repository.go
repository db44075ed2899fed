// Package magiclink issues and redeems one-time sign-in links.
package magiclink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/infra"
)

// Link is a stored sign-in link. Only the token hash is kept.
type Link struct {
	TokenHash string
	Email     string
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
}

// Redeem turns a claimed link into whatever the caller hands out for it.
type Redeem func(ctx context.Context, link Link) error

// Repository stores links. Consume claims a link, runs redeem and marks the
// link used only when redeem succeeds. Unknown, used or expired links fail
// with autherr.ErrInvalidToken, so a link is redeemed at most once.
type Repository interface {
	Create(ctx context.Context, link Link) error
	Consume(ctx context.Context, tokenHash string, now time.Time, redeem Redeem) (Link, error)
}

type PostgresRepository struct {
	db infra.DB
}

func NewPostgresRepository(db infra.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, link Link) error {
	_, err := r.db.Exec(ctx, `INSERT INTO magic_links (token_hash, email, created_at, expires_at) VALUES ($1, $2, $3, $4)`,
		link.TokenHash, link.Email, link.CreatedAt.UTC(), link.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert magic link: %w", err)
	}
	return nil
}

// Consume holds the link row locked while redeem runs; a concurrent
// redemption waits and then finds the link used.
func (r *PostgresRepository) Consume(ctx context.Context, tokenHash string, now time.Time, redeem Redeem) (Link, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return Link{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	link := Link{TokenHash: tokenHash}
	var usedAt time.Time
	err = tx.QueryRow(ctx, `UPDATE magic_links SET used_at = $1
        WHERE token_hash = $2 AND used_at IS NULL AND expires_at > $1
        RETURNING email, created_at, expires_at, used_at`, now.UTC(), tokenHash).
		Scan(&link.Email, &link.CreatedAt, &link.ExpiresAt, &usedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Link{}, fmt.Errorf("magic link unknown, used or expired: %w", autherr.ErrInvalidToken)
		}
		return Link{}, err
	}
	link.UsedAt = &usedAt
	if err := redeem(ctx, link); err != nil {
		return Link{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Link{}, fmt.Errorf("commit magic link: %w", err)
	}
	return link, nil
}

type MemoryRepository struct {
	mu    sync.Mutex
	links map[string]Link
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{links: make(map[string]Link)}
}

func (r *MemoryRepository) Create(_ context.Context, link Link) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[link.TokenHash] = link
	return nil
}

func (r *MemoryRepository) Consume(ctx context.Context, tokenHash string, now time.Time, redeem Redeem) (Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	link, ok := r.links[tokenHash]
	if !ok || link.UsedAt != nil || !now.Before(link.ExpiresAt) {
		return Link{}, fmt.Errorf("magic link unknown, used or expired: %w", autherr.ErrInvalidToken)
	}
	link.UsedAt = &now
	if err := redeem(ctx, link); err != nil {
		return Link{}, err
	}
	r.links[tokenHash] = link
	return link, nil
}
