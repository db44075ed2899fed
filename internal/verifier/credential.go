package verifier

import (
	"context"
	"errors"

	"github.com/subscriber-dash/authcore/internal/account"
	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/tier"
)

// AccountFinder is the lookup the credential verifier needs.
type AccountFinder interface {
	FindByEmail(ctx context.Context, email string) (account.Account, error)
}

// Credential reports whether the backend holds an account for the email.
type Credential struct {
	accounts AccountFinder
}

func NewCredential(accounts AccountFinder) *Credential {
	return &Credential{accounts: accounts}
}

func (c *Credential) Source() tier.Source { return tier.SourceCredential }

func (c *Credential) Verify(ctx context.Context, email string) tier.Signal {
	acct, err := c.accounts.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, autherr.ErrNotFound) {
			return tier.CredentialSignal(false, "")
		}
		return tier.Unavailable(tier.SourceCredential, err)
	}
	t := acct.Tier
	if !t.Valid() {
		t = tier.Free
	}
	return tier.CredentialSignal(true, t)
}
