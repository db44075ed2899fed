package magiclink

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subscriber-dash/authcore/internal/account"
	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/dedup"
	"github.com/subscriber-dash/authcore/internal/notification"
	"github.com/subscriber-dash/authcore/internal/session"
	"github.com/subscriber-dash/authcore/internal/tier"
	"github.com/subscriber-dash/authcore/internal/verifier"
)

type outbox struct {
	mu   sync.Mutex
	sent []notification.Message
}

func (o *outbox) Send(_ context.Context, m notification.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, m)
	return nil
}

func (o *outbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sent)
}

func (o *outbox) lastToken(t *testing.T) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.sent)
	u, err := url.Parse(o.sent[len(o.sent)-1].Body)
	require.NoError(t, err)
	return u.Query().Get("token")
}

type fixture struct {
	issuer   *Issuer
	outbox   *outbox
	accounts account.Repository
	list     *verifier.Static
	purchase *verifier.Static
	tokens   *session.Tokens
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	accounts := account.NewMemoryRepository()
	list := verifier.NewStatic(tier.SourceBeehiiv)
	purchase := verifier.NewStatic(tier.SourceWhop)
	resolver := tier.NewResolver(nil, []tier.Verifier{list, purchase, verifier.NewCredential(accounts)})
	tokens := session.NewTokens(session.NewMemoryTokenRepository(), time.Hour, "v1")
	box := &outbox{}
	issuer := NewIssuer(Options{
		Accounts: account.NewService(accounts),
		Links:    NewMemoryRepository(),
		Notifier: box,
		Dedup:    dedup.NewGroup[Result](dedup.NewMemoryStore(), 5*time.Second, nil),
		Resolver: resolver,
		Tokens:   tokens,
		BaseURL:  "https://dash.example.com/auth/callback",
	})
	return fixture{issuer: issuer, outbox: box, accounts: accounts, list: list, purchase: purchase, tokens: tokens}
}

func TestNewUserGetsFreeAccountAndOneLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.issuer.Send(ctx, "New.Reader@example.com")
	require.NoError(t, err)
	assert.Equal(t, Result{Success: true, IsNewUser: true}, res)

	acct, err := f.accounts.FindByEmail(ctx, "new.reader@example.com")
	require.NoError(t, err)
	assert.Equal(t, tier.Free, acct.Tier)

	again, err := f.issuer.Send(ctx, "new.reader@example.com")
	require.NoError(t, err)
	assert.Equal(t, res, again)
	assert.Equal(t, 1, f.outbox.count())

	sess, err := f.issuer.Consume(ctx, f.outbox.lastToken(t))
	require.NoError(t, err)
	assert.Equal(t, tier.Free, sess.Tier)
	assert.Equal(t, "new.reader@example.com", sess.Email)
	assert.NotEmpty(t, sess.SessionToken)
}

func TestExistingUserIsNotNew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.accounts.Upsert(ctx, account.UpsertInput{Email: "member@example.com", Tier: tier.Paid, Source: tier.SourceBeehiiv}, time.Now())
	require.NoError(t, err)

	res, err := f.issuer.Send(ctx, "member@example.com")
	require.NoError(t, err)
	assert.False(t, res.IsNewUser)
}

func TestConsumeIsSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.list.Set("reader@example.com", tier.ListSignal(true, tier.Paid))
	f.purchase.Set("reader@example.com", tier.PurchaseSignal(true, "prod"))

	_, err := f.issuer.Send(ctx, "reader@example.com")
	require.NoError(t, err)
	raw := f.outbox.lastToken(t)

	sess, err := f.issuer.Consume(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, tier.Premium, sess.Tier)
	assert.Equal(t, tier.SourceWhop, sess.Source)

	rec, err := f.tokens.Lookup(ctx, sess.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, tier.Premium, rec.Tier)

	_, err = f.issuer.Consume(ctx, raw)
	require.ErrorIs(t, err, autherr.ErrInvalidToken)
}

func TestConsumeExpiredLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.issuer.Send(ctx, "reader@example.com")
	require.NoError(t, err)

	late := f.issuer.WithClock(func() time.Time { return time.Now().Add(31 * time.Minute) })
	_, err = late.Consume(ctx, f.outbox.lastToken(t))
	require.ErrorIs(t, err, autherr.ErrInvalidToken)
}

func TestConsumeFallsBackToStoredTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.accounts.Upsert(ctx, account.UpsertInput{Email: "member@example.com", Tier: tier.Paid, Source: tier.SourceBeehiiv}, time.Now())
	require.NoError(t, err)

	_, err = f.issuer.Send(ctx, "member@example.com")
	require.NoError(t, err)
	f.list.SetDown(true)
	f.purchase.SetDown(true)
	f.issuer.resolver = tier.NewResolver(nil, []tier.Verifier{f.list, f.purchase})

	sess, err := f.issuer.Consume(ctx, f.outbox.lastToken(t))
	require.NoError(t, err)
	assert.Equal(t, tier.Paid, sess.Tier)
	assert.Equal(t, tier.SourceBeehiiv, sess.Source)
}

func TestPostgresConsumeRejectsUsedLink(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	repo := NewPostgresRepository(mock)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	redeemed := 0
	redeem := func(context.Context, Link) error {
		redeemed++
		return nil
	}

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE magic_links SET used_at").
		WithArgs(now, "hash").
		WillReturnRows(pgxmock.NewRows([]string{"email", "created_at", "expires_at", "used_at"}).
			AddRow("reader@example.com", now.Add(-time.Minute), now.Add(29*time.Minute), now))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE magic_links SET used_at").
		WithArgs(now, "hash").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	link, err := repo.Consume(context.Background(), "hash", now, redeem)
	require.NoError(t, err)
	assert.Equal(t, "reader@example.com", link.Email)
	require.NotNil(t, link.UsedAt)

	_, err = repo.Consume(context.Background(), "hash", now, redeem)
	require.ErrorIs(t, err, autherr.ErrInvalidToken)
	assert.Equal(t, 1, redeemed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresConsumeRollsBackFailedRedemption(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	repo := NewPostgresRepository(mock)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE magic_links SET used_at").
		WithArgs(now, "hash").
		WillReturnRows(pgxmock.NewRows([]string{"email", "created_at", "expires_at", "used_at"}).
			AddRow("reader@example.com", now.Add(-time.Minute), now.Add(29*time.Minute), now))
	mock.ExpectRollback()

	_, err = repo.Consume(context.Background(), "hash", now, func(context.Context, Link) error {
		return errors.New("session store unavailable")
	})
	require.EqualError(t, err, "session store unavailable")
	require.NoError(t, mock.ExpectationsWereMet())
}

// flakyTokenRepository fails the first n creates.
type flakyTokenRepository struct {
	*session.MemoryTokenRepository
	failures int
}

func (r *flakyTokenRepository) Create(ctx context.Context, rec session.Record) error {
	if r.failures > 0 {
		r.failures--
		return errors.New("session store unavailable")
	}
	return r.MemoryTokenRepository.Create(ctx, rec)
}

func TestFailedRedemptionKeepsLinkUsable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.issuer.tokens = session.NewTokens(&flakyTokenRepository{MemoryTokenRepository: session.NewMemoryTokenRepository(), failures: 1}, time.Hour, "v1")

	_, err := f.issuer.Send(ctx, "reader@example.com")
	require.NoError(t, err)
	raw := f.outbox.lastToken(t)

	_, err = f.issuer.Consume(ctx, raw)
	require.Error(t, err)
	require.NotErrorIs(t, err, autherr.ErrInvalidToken)

	sess, err := f.issuer.Consume(ctx, raw)
	require.NoError(t, err, "a transient failure must not burn the link")
	assert.NotEmpty(t, sess.SessionToken)

	_, err = f.issuer.Consume(ctx, raw)
	require.ErrorIs(t, err, autherr.ErrInvalidToken)
}
