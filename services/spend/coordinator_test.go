package spend

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"adgate/pkg/config"
	"adgate/pkg/errutil"
	"adgate/pkg/featureflags"
	"adgate/pkg/gen"
	"adgate/services/referral"
	"adgate/services/testutil"
	"adgate/services/unlock"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type sequenceMock struct {
	code string
	err  error
}

func (m *sequenceMock) NextSpendCode(context.Context) (string, error) {
	return m.code, m.err
}

type publisherSpy struct {
	mu   sync.Mutex
	sent []*Celebration
}

func (p *publisherSpy) PublishCelebration(_ context.Context, c *Celebration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, c)
	return nil
}

type observerSpy struct {
	mu       sync.Mutex
	sessions []string
}

func (o *observerSpy) UnlockCompleted(_ context.Context, sess *unlock.Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessions = append(o.sessions, sess.ID)
}

type fixture struct {
	coord     *Coordinator
	ledger    *referral.Service
	unlock    *unlock.Service
	seq       *sequenceMock
	publisher *publisherSpy
	observer  *observerSpy
	now       time.Time
}

func newFixture(t *testing.T, flags featureflags.FeatureFlag) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&unlock.Session{},
		&referral.Account{}, &referral.Referral{}, &referral.LedgerEntry{}, &referral.CountedUnlock{},
	)
	node, err := gen.NewSnowflakeNode(1)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Rewards.Secret = "test-secret"
	cfg.Rewards.PendingSpendTTL = time.Minute

	ledger, err := referral.NewService(referral.ServiceParams{DB: db, IDs: node, Config: cfg, Flags: flags})
	require.NoError(t, err)
	unlockSvc := unlock.NewService(unlock.ServiceParams{DB: db, IDs: node, Config: cfg})

	f := &fixture{
		ledger:    ledger,
		unlock:    unlockSvc,
		seq:       &sequenceMock{code: "SPD-260304-001AB"},
		publisher: &publisherSpy{},
		observer:  &observerSpy{},
		now:       time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
	}
	f.coord = NewCoordinator(Params{
		DB:        db,
		IDs:       node,
		Config:    cfg,
		Ledger:    ledger,
		Unlock:    unlockSvc,
		Sequence:  f.seq,
		Publisher: f.publisher,
		Observer:  f.observer,
	})
	f.coord.now = func() time.Time { return f.now }
	return f
}

// session creates a session requiring required ads with watched of them done.
func (f *fixture) session(t *testing.T, visitorID string, required, watched int) *unlock.Session {
	t.Helper()
	ctx := context.Background()

	sess, err := f.unlock.GetOrCreate(ctx, visitorID, "post-1", required)
	require.NoError(t, err)
	for range watched {
		sess, _, err = f.unlock.RecordAdWatched(ctx, sess.ID)
		require.NoError(t, err)
	}
	return sess
}

func (f *fixture) grant(t *testing.T, visitorID string, asset referral.Asset, amount int64) {
	t.Helper()
	ctx := context.Background()

	_, err := f.ledger.Initialize(ctx, visitorID)
	require.NoError(t, err)
	if amount > 0 {
		_, err = f.ledger.Credit(ctx, visitorID, asset, amount, referral.Reference{ReferenceID: "test-grant"})
		require.NoError(t, err)
	}
}

func TestSpendBonusCardCompletesSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	sess := f.session(t, "visitor-a", 3, 1)
	f.grant(t, "visitor-a", referral.AssetBonusUnlocks, 1)

	var delivered *unlock.Session
	pending, err := f.coord.RequestSpend(ctx, "visitor-a", sess.ID, TypeBonusCard, func(s *unlock.Session) { delivered = s })
	require.NoError(t, err)
	require.Equal(t, int64(1), pending.Cost)
	require.Equal(t, int64(1), pending.BalanceBefore)

	res, err := f.coord.Confirm(ctx, "visitor-a", pending.ID)
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, "SPD-260304-001AB", res.TransactionID)
	require.Equal(t, "SPD-260304-001AB", res.Entry.TransactionID)

	after := res.SessionAfter
	require.True(t, after.Completed)
	require.Equal(t, 1, after.AdsWatched)
	require.Equal(t, 2, after.SkipCredits)
	require.Equal(t, unlock.ViaBonusCard, after.UnlockedVia)
	require.Same(t, after, delivered)

	require.Zero(t, f.ledger.Stats(ctx, "visitor-a").BonusUnlocks)
	require.Len(t, f.publisher.sent, 1)
	require.True(t, f.publisher.sent[0].Completed)
	require.Equal(t, []string{sess.ID}, f.observer.sessions)

	_, ok := f.coord.Pending("visitor-a", pending.ID)
	require.False(t, ok)

	report, err := f.ledger.VerifyChain(ctx, "visitor-a")
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.Equal(t, 2, report.Entries)
}

func TestSkipAdWithoutCoinsIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	sess := f.session(t, "visitor-a", 3, 0)
	f.grant(t, "visitor-a", referral.AssetCoins, 0)

	_, err := f.coord.Spend(ctx, "visitor-a", sess.ID, TypeCoinsSkipAd)
	require.True(t, errutil.HasStatus(err, errutil.StatusInsufficientBalance))

	progress, err := f.unlock.Progress(ctx, sess.ID)
	require.NoError(t, err)
	require.Zero(t, progress.SkipCredits)
	require.Equal(t, 3, progress.Remaining)
	require.Empty(t, f.publisher.sent)
	require.Empty(t, f.coord.pending)
}

func TestSkipAdAddsOneCredit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	sess := f.session(t, "visitor-a", 2, 0)
	f.grant(t, "visitor-a", referral.AssetCoins, 25)

	res, err := f.coord.Spend(ctx, "visitor-a", sess.ID, TypeCoinsSkipAd)
	require.NoError(t, err)
	require.Equal(t, 1, res.SessionAfter.SkipCredits)
	require.Equal(t, 1, res.SessionAfter.Remaining())
	require.False(t, res.SessionAfter.Completed)
	require.Equal(t, int64(15), res.Entry.BalanceAfter)
	require.Empty(t, f.observer.sessions)

	res, err = f.coord.Spend(ctx, "visitor-a", sess.ID, TypeCoinsSkipAd)
	require.NoError(t, err)
	require.True(t, res.SessionAfter.Completed)
	require.Equal(t, unlock.ViaCoins, res.SessionAfter.UnlockedVia)
	require.Equal(t, int64(5), f.ledger.Stats(ctx, "visitor-a").Coins)
	require.Len(t, f.observer.sessions, 1)
}

func TestFailedShortcutRollsBackDebit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	sess := f.session(t, "visitor-a", 2, 0)
	f.grant(t, "visitor-a", referral.AssetBonusUnlocks, 2)

	first, err := f.coord.RequestSpend(ctx, "visitor-a", sess.ID, TypeBonusCard, nil)
	require.NoError(t, err)
	second, err := f.coord.RequestSpend(ctx, "visitor-a", sess.ID, TypeBonusCard, nil)
	require.NoError(t, err)

	_, err = f.coord.Confirm(ctx, "visitor-a", first.ID)
	require.NoError(t, err)

	_, err = f.coord.Confirm(ctx, "visitor-a", second.ID)
	require.True(t, errutil.HasStatus(err, errutil.StatusConflict))

	require.Equal(t, int64(1), f.ledger.Stats(ctx, "visitor-a").BonusUnlocks)
	report, err := f.ledger.VerifyChain(ctx, "visitor-a")
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.Equal(t, 2, report.Entries)

	// the failed request stays parked and can still be cancelled
	require.NoError(t, f.coord.Cancel(ctx, "visitor-a", second.ID))
}

func TestConcurrentSpendsOfLastCard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	sess := f.session(t, "visitor-a", 3, 0)
	f.grant(t, "visitor-a", referral.AssetBonusUnlocks, 1)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.coord.Spend(ctx, "visitor-a", sess.ID, TypeBonusCard)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.True(t,
			errutil.HasStatus(err, errutil.StatusInsufficientBalance) || errutil.HasStatus(err, errutil.StatusConflict),
			"unexpected error: %v", err)
	}
	require.Equal(t, 1, ok)
	require.Zero(t, f.ledger.Stats(ctx, "visitor-a").BonusUnlocks)

	progress, err := f.unlock.Progress(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, progress.Completed)
	require.Equal(t, 3, progress.SkipCredits)
}

func TestLastCardSpentOnTwoSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	first, err := f.unlock.GetOrCreate(ctx, "visitor-a", "post-1", 3)
	require.NoError(t, err)
	second, err := f.unlock.GetOrCreate(ctx, "visitor-a", "post-2", 3)
	require.NoError(t, err)
	f.grant(t, "visitor-a", referral.AssetBonusUnlocks, 1)

	sessions := []string{first.ID, second.ID}
	errs := make([]error, len(sessions))
	var wg sync.WaitGroup
	for i, id := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.coord.Spend(ctx, "visitor-a", id, TypeBonusCard)
		}()
	}
	wg.Wait()

	var won, lost []int
	for i, err := range errs {
		if err == nil {
			won = append(won, i)
			continue
		}
		require.True(t, errutil.HasStatus(err, errutil.StatusInsufficientBalance), "unexpected error: %v", err)
		lost = append(lost, i)
	}
	require.Len(t, won, 1)
	require.Len(t, lost, 1)
	require.Zero(t, f.ledger.Stats(ctx, "visitor-a").BonusUnlocks)

	winner, err := f.unlock.Progress(ctx, sessions[won[0]])
	require.NoError(t, err)
	require.True(t, winner.Completed)

	loser, err := f.unlock.Progress(ctx, sessions[lost[0]])
	require.NoError(t, err)
	require.False(t, loser.Completed)
	require.Zero(t, loser.SkipCredits)
}

func TestCancelAndOwnership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	sess := f.session(t, "visitor-a", 3, 0)
	f.grant(t, "visitor-a", referral.AssetCoins, 100)

	_, err := f.coord.RequestSpend(ctx, "visitor-b", sess.ID, TypeCoinsFullUnlock, nil)
	require.True(t, errutil.HasStatus(err, errutil.StatusUnauthorized))

	_, err = f.coord.RequestSpend(ctx, "visitor-a", sess.ID, Type("spend-everything"), nil)
	require.True(t, errutil.HasStatus(err, errutil.StatusBadRequest))

	pending, err := f.coord.RequestSpend(ctx, "visitor-a", sess.ID, TypeCoinsFullUnlock, nil)
	require.NoError(t, err)
	require.Equal(t, int64(50), pending.Cost)

	_, err = f.coord.Confirm(ctx, "visitor-b", pending.ID)
	require.True(t, errutil.HasStatus(err, errutil.StatusUnauthorized))
	require.True(t, errutil.HasStatus(f.coord.Cancel(ctx, "visitor-b", pending.ID), errutil.StatusUnauthorized))

	require.NoError(t, f.coord.Cancel(ctx, "visitor-a", pending.ID))
	_, err = f.coord.Confirm(ctx, "visitor-a", pending.ID)
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))

	require.Equal(t, int64(100), f.ledger.Stats(ctx, "visitor-a").Coins)
}

func TestPendingSpendExpires(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	sess := f.session(t, "visitor-a", 3, 0)
	f.grant(t, "visitor-a", referral.AssetCoins, 100)

	pending, err := f.coord.RequestSpend(ctx, "visitor-a", sess.ID, TypeCoinsFullUnlock, nil)
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Minute)
	_, err = f.coord.Confirm(ctx, "visitor-a", pending.ID)
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))
	require.Equal(t, int64(100), f.ledger.Stats(ctx, "visitor-a").Coins)
}

func TestTransactionIDFallsBackWithoutSequence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.seq.err = errors.New("redis: connection refused")

	sess := f.session(t, "visitor-a", 1, 0)
	f.grant(t, "visitor-a", referral.AssetCoins, 50)

	res, err := f.coord.Spend(ctx, "visitor-a", sess.ID, TypeCoinsFullUnlock)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(res.TransactionID, "SPD-20260304-"))
	require.True(t, res.SessionAfter.Completed)
}

func TestSpendRequiresRewardsEnabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, featureflags.Static{featureflags.RewardsEnabled: false})

	sess := f.session(t, "visitor-a", 3, 0)
	f.grant(t, "visitor-a", referral.AssetBonusUnlocks, 1)

	_, err := f.coord.Spend(ctx, "visitor-a", sess.ID, TypeBonusCard)
	require.True(t, errutil.HasStatus(err, errutil.StatusForbidden))
	require.Equal(t, int64(1), f.ledger.Stats(ctx, "visitor-a").BonusUnlocks)
}
