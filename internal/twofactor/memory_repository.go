package twofactor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/subscriber-dash/authcore/internal/autherr"
)

// MemoryRepository is the in-process Repository used in development mode
// and tests.
type MemoryRepository struct {
	mu       sync.Mutex
	admins   map[string]Admin
	sessions map[string]Session
	codes    map[string][][]byte
	events   []Event
	devices  map[string]map[string]TrustedDevice
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		admins:   make(map[string]Admin),
		sessions: make(map[string]Session),
		codes:    make(map[string][][]byte),
		devices:  make(map[string]map[string]TrustedDevice),
	}
}

func (r *MemoryRepository) CreateAdmin(_ context.Context, admin Admin, backupHashes [][]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.admins[admin.Email]; ok {
		return ErrAdminExists
	}
	r.admins[admin.Email] = admin
	r.codes[admin.Email] = append([][]byte(nil), backupHashes...)
	return nil
}

func (r *MemoryRepository) FindAdmin(_ context.Context, email string) (Admin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.admins[email]
	if !ok {
		return Admin{}, autherr.ErrNotFound
	}
	return a, nil
}

func (r *MemoryRepository) RecordFailure(_ context.Context, email string, maxAttempts int, at time.Time) (Admin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.admins[email]
	if !ok {
		return Admin{}, autherr.ErrNotFound
	}
	a.FailedAttempts++
	if a.LockedAt == nil && a.FailedAttempts >= maxAttempts {
		a.LockedAt = &at
	}
	r.admins[email] = a
	return a, nil
}

func (r *MemoryRepository) ResetFailures(_ context.Context, email string) error {
	return r.mutateAdmin(email, func(a *Admin) { a.FailedAttempts = 0 })
}

func (r *MemoryRepository) Lock(_ context.Context, email string, at time.Time) error {
	return r.mutateAdmin(email, func(a *Admin) {
		if a.LockedAt == nil {
			a.LockedAt = &at
		}
	})
}

func (r *MemoryRepository) Unlock(_ context.Context, email string) error {
	return r.mutateAdmin(email, func(a *Admin) {
		a.LockedAt = nil
		a.FailedAttempts = 0
	})
}

func (r *MemoryRepository) mutateAdmin(email string, fn func(*Admin)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.admins[email]
	if !ok {
		return autherr.ErrNotFound
	}
	fn(&a)
	r.admins[email] = a
	return nil
}

func (r *MemoryRepository) CreateSession(_ context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.TokenHash] = s
	return nil
}

func (r *MemoryRepository) FindSession(_ context.Context, tokenHash string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tokenHash]
	if !ok {
		return Session{}, autherr.ErrNotFound
	}
	return s, nil
}

func (r *MemoryRepository) LatestPendingSession(_ context.Context, email string, now time.Time) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		latest Session
		found  bool
	)
	for _, s := range r.sessions {
		if s.AdminEmail != email || s.VerifiedAt != nil || !now.Before(s.ExpiresAt) {
			continue
		}
		if !found || s.CreatedAt.After(latest.CreatedAt) {
			latest, found = s, true
		}
	}
	if !found {
		return Session{}, autherr.ErrNotFound
	}
	return latest, nil
}

func (r *MemoryRepository) MarkVerified(_ context.Context, tokenHash string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tokenHash]
	if !ok {
		return autherr.ErrNotFound
	}
	s.VerifiedAt = &at
	r.sessions[tokenHash] = s
	return nil
}

func (r *MemoryRepository) DeleteSession(_ context.Context, tokenHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[tokenHash]; !ok {
		return autherr.ErrNotFound
	}
	delete(r.sessions, tokenHash)
	return nil
}

func (r *MemoryRepository) DeleteSessions(_ context.Context, email string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for hash, s := range r.sessions {
		if s.AdminEmail == email {
			delete(r.sessions, hash)
		}
	}
	return nil
}

func (r *MemoryRepository) ConsumeBackupCode(_ context.Context, email, code string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hashes := r.codes[email]
	for i, hash := range hashes {
		if bcrypt.CompareHashAndPassword(hash, []byte(code)) == nil {
			r.codes[email] = append(hashes[:i:i], hashes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepository) RecordEvent(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	r.events = append(r.events, e)
	return nil
}

func (r *MemoryRepository) Events(_ context.Context, email string, limit int) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for i := len(r.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if r.events[i].AdminEmail == email {
			out = append(out, r.events[i])
		}
	}
	return out, nil
}

func (r *MemoryRepository) UpsertDevice(_ context.Context, d TrustedDevice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.devices[d.AdminEmail] == nil {
		r.devices[d.AdminEmail] = make(map[string]TrustedDevice)
	}
	r.devices[d.AdminEmail][d.Fingerprint] = d
	return nil
}

func (r *MemoryRepository) Devices(_ context.Context, email string) ([]TrustedDevice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TrustedDevice, 0, len(r.devices[email]))
	for _, d := range r.devices[email] {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.After(out[j].LastUsedAt) })
	return out, nil
}
