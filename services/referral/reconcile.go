package referral

import (
	"context"
	"errors"
	"time"

	"adgate/pkg/config"
	"adgate/pkg/db/option"
	"adgate/pkg/task"
	"adgate/services/unlock"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	reconcileBatch       = 250
	reconcileConcurrency = 8
)

// Reconciler finds completed sessions whose unlock was never counted and
// queues them again. It covers completions lost between commit and enqueue.
type Reconciler struct {
	db       *gorm.DB
	enqueuer task.Enqueuer
	interval time.Duration
}

type ReconcilerParams struct {
	fx.In
	DB       *gorm.DB
	Enqueuer task.Enqueuer
	Config   *config.Config
}

func NewReconciler(p ReconcilerParams) *Reconciler {
	return &Reconciler{
		db:       p.DB,
		enqueuer: p.Enqueuer,
		interval: p.Config.Gate.ReconcileInterval,
	}
}

// Sweep queues one batch of uncounted completions and returns how many were queued.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	var sessions []*unlock.Session
	err := r.db.WithContext(ctx).
		Table("unlock_sessions AS s").
		Select("s.*").
		Joins("LEFT JOIN counted_unlocks c ON c.session_id = s.id").
		Where("s.completed = ? AND c.session_id IS NULL", true).
		Order("s.completed_at").
		Scopes(option.WithLimit(reconcileBatch)).
		Find(&sessions).Error
	if err != nil {
		return 0, err
	}

	var (
		g      errgroup.Group
		queued = make([]bool, len(sessions))
	)
	g.SetLimit(reconcileConcurrency)

	for i, sess := range sessions {
		g.Go(func() error {
			t, err := NewUnlockCompletedTask(sess)
			if err != nil {
				return err
			}
			_, err = r.enqueuer.Enqueue(ctx, t)
			switch {
			case err == nil:
				queued[i] = true
			case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
				// still pending in the queue
			default:
				zap.L().Error("failed to requeue unlock completion", zap.String("session_id", sess.ID), zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	n := 0
	for _, ok := range queued {
		if ok {
			n++
		}
	}
	return n, nil
}

func (r *Reconciler) run(ctx context.Context) {
	zap.L().Info("[Reconciler] started", zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			n, err := r.Sweep(ctx)
			if err != nil {
				zap.L().Error("[Reconciler] sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				zap.L().Info("[Reconciler] requeued unlock completions", zap.Int("count", n), zap.Duration("duration", time.Since(start)))
			}
		case <-ctx.Done():
			zap.L().Warn("[Reconciler] stopped")
			return
		}
	}
}

func startReconciler(lc fx.Lifecycle, r *Reconciler) {
	if r.interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go r.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
