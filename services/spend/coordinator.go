package spend

import (
	"context"
	"sync"
	"time"

	"adgate/pkg/config"
	"adgate/pkg/errutil"
	"adgate/pkg/gen"
	"adgate/pkg/logger"
	"adgate/pkg/sequence"
	"adgate/services/referral"
	"adgate/services/unlock"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var spendTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "adgate_spend_total",
	Help: "Reward spends by type and outcome.",
}, []string{"type", "outcome"})

func init() {
	prometheus.MustRegister(spendTotal)
}

// Coordinator turns reward balances into unlock progress. A spend is first
// requested, which only checks affordability, then confirmed, which debits the
// ledger and applies the shortcut in one transaction.
type Coordinator struct {
	db        *gorm.DB
	ids       gen.IDGenerator
	ledger    *referral.Service
	unlock    *unlock.Service
	seq       sequence.Generator
	publisher Publisher
	observer  unlock.Observer
	prices    map[Type]price
	ttl       time.Duration
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]*Pending
}

type Params struct {
	fx.In
	DB        *gorm.DB
	IDs       gen.IDGenerator
	Config    *config.Config
	Ledger    *referral.Service
	Unlock    *unlock.Service
	Sequence  sequence.Generator `optional:"true"`
	Publisher Publisher          `optional:"true"`
	Observer  unlock.Observer    `optional:"true"`
}

func NewCoordinator(p Params) *Coordinator {
	observer := p.Observer
	if observer == nil {
		observer = unlock.NopObserver
	}

	ttl := p.Config.Rewards.PendingSpendTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &Coordinator{
		db:        p.DB,
		ids:       p.IDs,
		ledger:    p.Ledger,
		unlock:    p.Unlock,
		seq:       p.Sequence,
		publisher: p.Publisher,
		observer:  observer,
		prices:    priceList(p.Config.Rewards),
		ttl:       ttl,
		now:       time.Now,
		pending:   make(map[string]*Pending),
	}
}

// RequestSpend checks that visitorID can pay for typ on sessionID and parks
// the spend until it is confirmed or cancelled. Nothing is debited here.
func (c *Coordinator) RequestSpend(ctx context.Context, visitorID, sessionID string, typ Type, onSuccess func(*unlock.Session)) (*Pending, error) {
	log := logger.FromContext(ctx).With(
		zap.String("visitor_id", visitorID),
		zap.String("session_id", sessionID),
		zap.String("type", string(typ)),
	)

	p, ok := c.prices[typ]
	if !ok {
		return nil, errutil.BadRequest("unknown spend type", nil)
	}
	if p.amount <= 0 {
		return nil, errutil.BadRequest("spend type is not available", nil)
	}
	if !c.ledger.RewardsEnabled(ctx, visitorID) {
		return nil, errutil.Forbidden("rewards are disabled", nil)
	}

	sess, err := c.unlock.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.VisitorID != visitorID {
		log.Warn("spend requested for foreign session")
		return nil, errutil.Unauthorized("session belongs to another visitor", nil)
	}
	if sess.Completed {
		return nil, errutil.Conflict("content already unlocked", nil)
	}

	acct, err := c.ledger.Initialize(ctx, visitorID)
	if err != nil {
		return nil, err
	}
	balance := acct.Balance(p.asset)
	if balance < p.amount {
		spendTotal.WithLabelValues(string(typ), "insufficient").Inc()
		log.Info("spend rejected, balance too low", zap.Int64("balance", balance), zap.Int64("cost", p.amount))
		return nil, errutil.InsufficientBalance("insufficient "+string(p.asset), nil)
	}

	now := c.now()
	pending := &Pending{
		ID:            c.ids.NextID(),
		VisitorID:     visitorID,
		SessionID:     sessionID,
		Type:          typ,
		Asset:         p.asset,
		Cost:          p.amount,
		BalanceBefore: balance,
		CreatedAt:     now,
		ExpiresAt:     now.Add(c.ttl),
		onSuccess:     onSuccess,
	}

	c.mu.Lock()
	c.sweepLocked(now)
	c.pending[pending.ID] = pending
	c.mu.Unlock()

	spendTotal.WithLabelValues(string(typ), "requested").Inc()
	return pending, nil
}

// Confirm applies a requested spend. The debit and the unlock shortcut commit
// together or not at all.
func (c *Coordinator) Confirm(ctx context.Context, visitorID, pendingID string) (*Result, error) {
	pending, err := c.claim(visitorID, pendingID)
	if err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx).With(
		zap.String("visitor_id", visitorID),
		zap.String("pending_id", pendingID),
		zap.String("type", string(pending.Type)),
	)

	res, crossed, err := c.apply(ctx, pending)
	if err != nil {
		c.release(pendingID)
		spendTotal.WithLabelValues(string(pending.Type), string(errutil.StatusOf(err))).Inc()
		if errutil.StatusOf(err).HTTPStatus() >= 500 {
			log.Error("spend failed", zap.Error(err))
		} else {
			log.Info("spend rejected", zap.String("reason", string(errutil.StatusOf(err))))
		}
		return nil, err
	}

	c.mu.Lock()
	delete(c.pending, pendingID)
	c.mu.Unlock()

	spendTotal.WithLabelValues(string(pending.Type), "confirmed").Inc()
	log.Info("spend confirmed",
		zap.String("transaction_id", res.TransactionID),
		zap.Int("remaining", res.SessionAfter.Remaining()),
		zap.Bool("completed", res.SessionAfter.Completed),
	)

	if pending.onSuccess != nil {
		pending.onSuccess(res.SessionAfter)
	}
	c.celebrate(ctx, pending, res)
	if crossed {
		c.observer.UnlockCompleted(ctx, res.SessionAfter)
	}
	return res, nil
}

func (c *Coordinator) apply(ctx context.Context, pending *Pending) (*Result, bool, error) {
	p := c.prices[pending.Type]
	txID := c.transactionID(ctx)

	res := &Result{Applied: true, TransactionID: txID, Type: pending.Type}
	var crossed bool

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := c.ledger.WithTrx(tx).Debit(ctx, pending.VisitorID, p.asset, p.amount, referral.Reference{
			TransactionID: txID,
			ReferenceID:   "spend:" + pending.ID,
			Description:   string(pending.Type),
			Metadata:      map[string]any{"session_id": pending.SessionID},
		})
		if err != nil {
			return err
		}

		sess, ok, err := c.unlock.WithTrx(tx).ApplyRewardShortcut(ctx, pending.SessionID, p.shortcut)
		if err != nil {
			return err
		}

		res.Entry = entry
		res.SessionAfter = sess
		crossed = ok
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return res, crossed, nil
}

// Cancel discards a requested spend.
func (c *Coordinator) Cancel(ctx context.Context, visitorID, pendingID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending, ok := c.pending[pendingID]
	if !ok || pending.expired(c.now()) {
		delete(c.pending, pendingID)
		return errutil.NotFound("spend request not found", nil)
	}
	if pending.VisitorID != visitorID {
		return errutil.Unauthorized("spend request belongs to another visitor", nil)
	}
	if pending.confirming {
		return errutil.Conflict("spend is being confirmed", nil)
	}

	delete(c.pending, pendingID)
	spendTotal.WithLabelValues(string(pending.Type), "cancelled").Inc()
	logger.FromContext(ctx).Info("spend cancelled", zap.String("visitor_id", visitorID), zap.String("pending_id", pendingID))
	return nil
}

// Spend requests and confirms in one step.
func (c *Coordinator) Spend(ctx context.Context, visitorID, sessionID string, typ Type) (*Result, error) {
	pending, err := c.RequestSpend(ctx, visitorID, sessionID, typ, nil)
	if err != nil {
		return nil, err
	}
	return c.Confirm(ctx, visitorID, pending.ID)
}

// Pending returns the visitor's requested spend.
func (c *Coordinator) Pending(visitorID, pendingID string) (*Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending, ok := c.pending[pendingID]
	if !ok || pending.VisitorID != visitorID || pending.expired(c.now()) {
		return nil, false
	}
	cp := *pending
	return &cp, true
}

func (c *Coordinator) claim(visitorID, pendingID string) (*Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending, ok := c.pending[pendingID]
	if !ok {
		return nil, errutil.NotFound("spend request not found", nil)
	}
	if pending.expired(c.now()) {
		delete(c.pending, pendingID)
		return nil, errutil.NotFound("spend request expired", nil)
	}
	if pending.VisitorID != visitorID {
		return nil, errutil.Unauthorized("spend request belongs to another visitor", nil)
	}
	if pending.confirming {
		return nil, errutil.Conflict("spend is already being confirmed", nil)
	}
	pending.confirming = true
	return pending, nil
}

func (c *Coordinator) release(pendingID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pending, ok := c.pending[pendingID]; ok {
		pending.confirming = false
	}
}

func (c *Coordinator) sweepLocked(now time.Time) {
	for id, p := range c.pending {
		if p.expired(now) && !p.confirming {
			delete(c.pending, id)
		}
	}
}

func (c *Coordinator) transactionID(ctx context.Context) string {
	if c.seq != nil {
		code, err := c.seq.NextSpendCode(ctx)
		if err == nil {
			return code
		}
		logger.FromContext(ctx).Warn("spend sequence unavailable, using random transaction id", zap.Error(err))
	}

	id, err := referral.GenerateTransactionID(c.now())
	if err != nil {
		return "SPD-" + c.ids.NextID()
	}
	return "SPD-" + id
}

func (c *Coordinator) celebrate(ctx context.Context, pending *Pending, res *Result) {
	if c.publisher == nil {
		return
	}

	err := c.publisher.PublishCelebration(ctx, &Celebration{
		VisitorID:     pending.VisitorID,
		SessionID:     res.SessionAfter.ID,
		ContentID:     res.SessionAfter.ContentID,
		Type:          pending.Type,
		TransactionID: res.TransactionID,
		Completed:     res.SessionAfter.Completed,
		At:            c.now().UTC(),
	})
	if err != nil {
		logger.FromContext(ctx).Warn("failed to publish celebration", zap.String("visitor_id", pending.VisitorID), zap.Error(err))
	}
}
