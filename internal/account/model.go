package account

import (
	"time"

	"github.com/subscriber-dash/authcore/internal/tier"
)

const (
	UserTypeSubscriber = "subscriber"
	UserTypeAdmin      = "admin"

	// StatusPending marks implicitly provisioned accounts that have not yet
	// completed a login.
	StatusPending = "pending"
	StatusActive  = "active"
)

// Account is a backend user record. Reads under row-level security are
// scoped to its ID.
type Account struct {
	ID             string
	Email          string
	Tier           tier.Tier
	UserType       string
	Status         string
	PasswordHash   []byte
	TokenVersion   int
	Metadata       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
	// TierUpdatedAt is when the stored tier was last resolved or corrected.
	TierUpdatedAt  time.Time
	LastActivityAt *time.Time
}

// CurrentUser is the read model exposed to the rest of the application.
type CurrentUser struct {
	ID        string         `json:"id"`
	Email     string         `json:"email"`
	Tier      tier.Tier      `json:"tier"`
	UserType  string         `json:"user_type"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CurrentUser projects the account. The tier is clamped to the known set.
func (a Account) CurrentUser() CurrentUser {
	t := a.Tier
	if !t.Valid() {
		t = tier.Free
	}
	return CurrentUser{
		ID:        a.ID,
		Email:     a.Email,
		Tier:      t,
		UserType:  a.UserType,
		Status:    a.Status,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
		Metadata:  a.Metadata,
	}
}

// UpsertInput carries a resolved identity into the account table.
// VerifiedAt is when the tier was resolved; a zero value means now.
type UpsertInput struct {
	Email      string
	Tier       tier.Tier
	Source     tier.Source
	VerifiedAt time.Time
}
