package client

import (
	"context"

	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/bridge"
	"github.com/subscriber-dash/authcore/internal/magiclink"
	"github.com/subscriber-dash/authcore/internal/tier"
)

// Auth is the surface handed to dashboard code.
type Auth interface {
	CurrentUser(ctx context.Context) (CurrentUser, bool)
	IsAuthenticated() bool
	IsLoading() bool
	Login(ctx context.Context, email string) (CurrentUser, error)
	SendMagicLink(ctx context.Context, email string) (magiclink.Result, error)
	CompleteMagicLink(ctx context.Context, token string) (CurrentUser, error)
	Logout(ctx context.Context)
	RefreshCurrentUser(ctx context.Context) (CurrentUser, error)
	SetTierOverride(t tier.Tier) error
	ClearTierOverride()
	Bridge(ctx context.Context) (bridge.Response, error)
}

var _ Auth = (*AuthContext)(nil)

type ctxKey struct{}

// WithAuth returns a context carrying a.
func WithAuth(ctx context.Context, a Auth) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// FromContext returns the Auth installed by WithAuth, or Anonymous when
// there is none.
func FromContext(ctx context.Context) Auth {
	if a, ok := ctx.Value(ctxKey{}).(Auth); ok && a != nil {
		return a
	}
	return Anonymous
}

// Anonymous is the Auth used outside an installed context. Nobody is signed
// in, state changes are ignored and operations needing a backend fail with
// autherr.ErrUnauthenticated.
var Anonymous Auth = anonymous{}

type anonymous struct{}

func (anonymous) CurrentUser(context.Context) (CurrentUser, bool) { return CurrentUser{}, false }
func (anonymous) IsAuthenticated() bool                           { return false }
func (anonymous) IsLoading() bool                                 { return false }
func (anonymous) Login(context.Context, string) (CurrentUser, error) {
	return CurrentUser{}, autherr.ErrUnauthenticated
}
func (anonymous) SendMagicLink(context.Context, string) (magiclink.Result, error) {
	return magiclink.Result{}, autherr.ErrUnauthenticated
}
func (anonymous) CompleteMagicLink(context.Context, string) (CurrentUser, error) {
	return CurrentUser{}, autherr.ErrUnauthenticated
}
func (anonymous) Logout(context.Context) {}
func (anonymous) RefreshCurrentUser(context.Context) (CurrentUser, error) {
	return CurrentUser{}, autherr.ErrUnauthenticated
}
func (anonymous) SetTierOverride(tier.Tier) error { return nil }
func (anonymous) ClearTierOverride()              {}
func (anonymous) Bridge(context.Context) (bridge.Response, error) {
	return bridge.Response{}, autherr.ErrUnauthenticated
}
