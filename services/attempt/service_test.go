package attempt

import (
	"context"
	"sync"
	"testing"
	"time"

	"adgate/pkg/config"
	"adgate/pkg/errutil"
	"adgate/pkg/gen"
	"adgate/services/testutil"
	"adgate/services/unlock"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
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
	svc      *Service
	unlock   *unlock.Service
	clock    *clock
	observer *observerSpy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, &unlock.Session{}, &Attempt{})
	node, err := gen.NewSnowflakeNode(1)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Gate.MinWatch = 5 * time.Second

	unlockSvc := unlock.NewService(unlock.ServiceParams{DB: db, IDs: node, Config: cfg})
	spy := &observerSpy{}
	svc := NewService(ServiceParams{DB: db, Config: cfg, Unlock: unlockSvc, Observer: spy})

	c := &clock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	svc.now = c.Now

	return &fixture{svc: svc, unlock: unlockSvc, clock: c, observer: spy}
}

func TestThreeAdsUnlockInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sess, err := f.unlock.GetOrCreate(ctx, "visitor-a", "post-1", 3)
	require.NoError(t, err)

	var last *Completion
	for i := 1; i <= 3; i++ {
		issued, err := f.svc.IssueAttempt(ctx, "visitor-a", "post-1")
		require.NoError(t, err)
		require.Equal(t, 5, issued.MinWatchSeconds)
		require.Equal(t, sess.ID, issued.SessionID)

		f.clock.Advance(5 * time.Second)

		last, err = f.svc.CompleteAttempt(ctx, "visitor-a", issued.Token)
		require.NoError(t, err)
		require.Equal(t, i, last.Session.AdsWatched)
		require.Equal(t, i == 3, last.CrossedCompletion)
	}

	require.True(t, last.Session.Completed)
	require.Equal(t, 3, last.Session.AdsWatched)
	require.Equal(t, []string{sess.ID}, f.observer.sessions)

	_, err = f.svc.IssueAttempt(ctx, "visitor-a", "post-1")
	require.True(t, errutil.HasStatus(err, errutil.StatusConflict))
}

func TestCompleteTwiceIsAlreadyUsed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.unlock.GetOrCreate(ctx, "visitor-a", "post-1", 3)
	require.NoError(t, err)
	issued, err := f.svc.IssueAttempt(ctx, "visitor-a", "post-1")
	require.NoError(t, err)
	f.clock.Advance(6 * time.Second)

	first, err := f.svc.CompleteAttempt(ctx, "visitor-a", issued.Token)
	require.NoError(t, err)
	require.Equal(t, 1, first.Session.AdsWatched)

	_, err = f.svc.CompleteAttempt(ctx, "visitor-a", issued.Token)
	require.True(t, errutil.HasStatus(err, errutil.StatusConflict))

	progress, err := f.unlock.Progress(ctx, issued.SessionID)
	require.NoError(t, err)
	require.Equal(t, 1, progress.AdsWatched)
}

func TestCompleteTooFastDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.unlock.GetOrCreate(ctx, "visitor-a", "post-1", 1)
	require.NoError(t, err)
	issued, err := f.svc.IssueAttempt(ctx, "visitor-a", "post-1")
	require.NoError(t, err)

	f.clock.Advance(4 * time.Second)
	_, err = f.svc.CompleteAttempt(ctx, "visitor-a", issued.Token)
	require.True(t, errutil.HasStatus(err, errutil.StatusTooEarly))

	progress, err := f.unlock.Progress(ctx, issued.SessionID)
	require.NoError(t, err)
	require.Equal(t, 0, progress.AdsWatched)
	require.False(t, progress.Completed)

	// the same token still works once the window has passed
	f.clock.Advance(time.Second)
	done, err := f.svc.CompleteAttempt(ctx, "visitor-a", issued.Token)
	require.NoError(t, err)
	require.True(t, done.CrossedCompletion)
}

func TestCompleteRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.unlock.GetOrCreate(ctx, "visitor-a", "post-1", 2)
	require.NoError(t, err)
	issued, err := f.svc.IssueAttempt(ctx, "visitor-a", "post-1")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	_, err = f.svc.CompleteAttempt(ctx, "visitor-a", "forged-token")
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))

	_, err = f.svc.CompleteAttempt(ctx, "visitor-b", issued.Token)
	require.True(t, errutil.HasStatus(err, errutil.StatusUnauthorized))

	progress, err := f.unlock.Progress(ctx, issued.SessionID)
	require.NoError(t, err)
	require.Equal(t, 0, progress.AdsWatched)
}

func TestCompleteEmptyTokenIsNotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.unlock.GetOrCreate(ctx, "visitor-a", "post-1", 2)
	require.NoError(t, err)
	issued, err := f.svc.IssueAttempt(ctx, "visitor-a", "post-1")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	for _, visitor := range []string{"visitor-a", "visitor-b"} {
		_, err = f.svc.CompleteAttempt(ctx, visitor, "")
		require.True(t, errutil.HasStatus(err, errutil.StatusNotFound), visitor)
	}

	_, err = f.svc.IssueAttempt(ctx, "visitor-a", "")
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))

	done, err := f.svc.CompleteAttempt(ctx, "visitor-a", issued.Token)
	require.NoError(t, err)
	require.Equal(t, 1, done.Session.AdsWatched)
}

func TestIssueAttemptPreconditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.IssueAttempt(ctx, "visitor-a", "post-1")
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))

	sess, err := f.unlock.GetOrCreate(ctx, "visitor-a", "post-1", 2)
	require.NoError(t, err)

	_, err = f.svc.IssueAttemptForSession(ctx, "visitor-b", "post-1", sess.ID)
	require.True(t, errutil.HasStatus(err, errutil.StatusUnauthorized))

	_, err = f.svc.IssueAttemptForSession(ctx, "visitor-a", "post-2", sess.ID)
	require.True(t, errutil.HasStatus(err, errutil.StatusBadRequest))

	_, err = f.svc.IssueAttemptForSession(ctx, "visitor-a", "post-1", "missing")
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))

	a, err := f.svc.IssueAttemptForSession(ctx, "visitor-a", "post-1", sess.ID)
	require.NoError(t, err)
	b, err := f.svc.IssueAttemptForSession(ctx, "visitor-a", "post-1", sess.ID)
	require.NoError(t, err)
	require.NotEqual(t, a.Token, b.Token)
	require.Len(t, a.Token, 43)
}

func TestConcurrentCompletionsAreAllCounted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.unlock.GetOrCreate(ctx, "visitor-a", "post-1", 4)
	require.NoError(t, err)

	tokens := make([]string, 4)
	for i := range tokens {
		issued, err := f.svc.IssueAttempt(ctx, "visitor-a", "post-1")
		require.NoError(t, err)
		tokens[i] = issued.Token
	}
	f.clock.Advance(10 * time.Second)

	var wg sync.WaitGroup
	errs := make(chan error, len(tokens)*2)
	for _, tok := range tokens {
		for range 2 {
			wg.Add(1)
			go func(tok string) {
				defer wg.Done()
				_, err := f.svc.CompleteAttempt(ctx, "visitor-a", tok)
				errs <- err
			}(tok)
		}
	}
	wg.Wait()
	close(errs)

	var ok, used int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errutil.HasStatus(err, errutil.StatusConflict):
			used++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 4, ok)
	require.Equal(t, 4, used)

	sess, err := f.unlock.Find(ctx, "visitor-a", "post-1")
	require.NoError(t, err)
	require.Equal(t, 4, sess.AdsWatched)
	require.True(t, sess.Completed)
	require.Len(t, f.observer.sessions, 1)
}

func TestCheckCompleteGuards(t *testing.T) {
	start := time.Now()
	a := &Attempt{VisitorID: "v", State: StateIssued, StartedAt: start}

	require.NoError(t, a.CheckComplete("v", start.Add(5*time.Second), 5*time.Second))
	require.True(t, errutil.HasStatus(a.CheckComplete("v", start.Add(time.Second), 5*time.Second), errutil.StatusTooEarly))
	require.True(t, errutil.HasStatus(a.CheckComplete("w", start.Add(time.Minute), 5*time.Second), errutil.StatusUnauthorized))

	a.State = StateUsed
	require.True(t, a.Used())
	require.True(t, errutil.HasStatus(a.CheckComplete("v", start.Add(time.Minute), 5*time.Second), errutil.StatusConflict))
}
