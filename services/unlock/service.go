package unlock

import (
	"context"
	"errors"
	"time"

	"adgate/pkg/config"
	"adgate/pkg/db/option"
	"adgate/pkg/errutil"
	"adgate/pkg/gen"
	"adgate/pkg/logger"
	"adgate/pkg/repository"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db         *gorm.DB
	ids        gen.IDGenerator
	sessions   repository.Repository[Session]
	casRetries int
	now        func() time.Time
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	IDs    gen.IDGenerator
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	retries := p.Config.Gate.CASRetries
	if retries < 0 {
		retries = 0
	}

	return &Service{
		db:         p.DB,
		ids:        p.IDs,
		sessions:   repository.ProvideStore[Session](p.DB),
		casRetries: retries,
		now:        time.Now,
	}
}

// WithTrx returns a copy of the service bound to tx.
func (s *Service) WithTrx(tx *gorm.DB) *Service {
	if tx == nil {
		return s
	}
	cp := *s
	cp.db = tx
	cp.sessions = s.sessions.WithTrx(tx)
	return &cp
}

// GetOrCreate returns the session for (visitorID, contentID), creating it with
// adsRequired when absent. An existing session is returned untouched.
func (s *Service) GetOrCreate(ctx context.Context, visitorID, contentID string, adsRequired int) (*Session, error) {
	log := logger.FromContext(ctx).With(zap.String("visitor_id", visitorID), zap.String("content_id", contentID))

	if visitorID == "" || contentID == "" {
		return nil, errutil.BadRequest("visitor_id and content_id are required", nil)
	}
	if adsRequired < 0 {
		return nil, errutil.BadRequest("ads_required must be >= 0", nil)
	}

	now := s.now()
	sess := &Session{
		ID:          s.ids.NextID(),
		VisitorID:   visitorID,
		ContentID:   contentID,
		AdsRequired: adsRequired,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if adsRequired == 0 {
		sess.Completed = true
		sess.UnlockedVia = ViaFree
		sess.CompletedAt = &now
	}

	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(sess).Error; err != nil {
		log.Error("failed to insert unlock session", zap.Error(err))
		return nil, errutil.Internal("failed to create session", err)
	}

	current, err := s.Find(ctx, visitorID, contentID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		log.Error("unlock session vanished after insert")
		return nil, errutil.Internal("failed to load session", nil)
	}
	return current, nil
}

// Find returns the session for the pair or nil when there is none.
func (s *Service) Find(ctx context.Context, visitorID, contentID string) (*Session, error) {
	if visitorID == "" || contentID == "" {
		return nil, nil
	}
	sess, err := s.sessions.FindOne(ctx, &Session{VisitorID: visitorID, ContentID: contentID})
	if err != nil {
		logger.FromContext(ctx).Error("failed to query unlock session", zap.Error(err))
		return nil, errutil.Internal("failed to load session", err)
	}
	return sess, nil
}

func (s *Service) Get(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, errutil.NotFound("session not found", nil)
	}

	sess, err := s.sessions.FindOne(ctx, &Session{ID: sessionID})
	if err != nil {
		logger.FromContext(ctx).Error("failed to query unlock session", zap.String("session_id", sessionID), zap.Error(err))
		return nil, errutil.Internal("failed to load session", err)
	}
	if sess == nil {
		return nil, errutil.NotFound("session not found", nil)
	}
	return sess, nil
}

func (s *Service) Progress(ctx context.Context, sessionID string) (*Progress, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Progress(), nil
}

// RecordAdWatched adds one watched ad to the session. crossed is true when
// this call moved the session into completion.
func (s *Service) RecordAdWatched(ctx context.Context, sessionID string) (sess *Session, crossed bool, err error) {
	return s.mutate(ctx, sessionID, func(cur *Session) (int, int, UnlockedVia, error) {
		return cur.AdsWatched + 1, cur.SkipCredits, ViaAds, nil
	})
}

// ApplyRewardShortcut reduces the effective requirement without touching
// AdsWatched. Full shortcuts cover everything that is left, skip covers one ad.
func (s *Service) ApplyRewardShortcut(ctx context.Context, sessionID string, kind ShortcutKind) (sess *Session, crossed bool, err error) {
	if !kind.Valid() {
		return nil, false, errutil.BadRequest("unknown shortcut kind", nil)
	}

	return s.mutate(ctx, sessionID, func(cur *Session) (int, int, UnlockedVia, error) {
		if cur.Completed {
			return 0, 0, "", errutil.Conflict("session already unlocked", nil)
		}

		skips := cur.SkipCredits + 1
		if kind.Full() {
			skips = cur.AdsRequired - cur.AdsWatched
		}
		return cur.AdsWatched, skips, kind.Via(), nil
	})
}

type mutation func(cur *Session) (watched, skips int, via UnlockedVia, err error)

var errLostRace = errors.New("unlock session changed underneath")

// mutate applies next to the session row read FOR UPDATE in a nested
// transaction. A locking read returns the latest committed row even under
// REPEATABLE READ. The counter guard on the UPDATE covers sqlite, which has
// no row locks.
func (s *Service) mutate(ctx context.Context, sessionID string, next mutation) (*Session, bool, error) {
	if sessionID == "" {
		return nil, false, errutil.NotFound("session not found", nil)
	}
	log := logger.FromContext(ctx).With(zap.String("session_id", sessionID))

	for attempt := 0; attempt <= s.casRetries; attempt++ {
		var (
			out     *Session
			crossed bool
		)
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			cur, err := s.sessions.WithTrx(tx).FindOne(ctx, &Session{ID: sessionID}, option.WithLockingUpdate())
			if err != nil {
				log.Error("failed to query unlock session", zap.Error(err))
				return errutil.Internal("failed to load session", err)
			}
			if cur == nil {
				return errutil.NotFound("session not found", nil)
			}

			watched, skips, via, err := next(cur)
			if err != nil {
				return err
			}

			now := s.now()
			completed := cur.Completed || satisfied(cur.AdsRequired, watched, skips)
			crossed = completed && !cur.Completed

			updates := map[string]any{
				"ads_watched":  watched,
				"skip_credits": skips,
				"completed":    completed,
				"updated_at":   now,
			}
			if crossed {
				updates["unlocked_via"] = via
				updates["completed_at"] = now
			}

			res := tx.Model(&Session{}).
				Where("id = ? AND ads_watched = ? AND skip_credits = ?", cur.ID, cur.AdsWatched, cur.SkipCredits).
				Updates(updates)
			if res.Error != nil {
				log.Error("failed to update unlock session", zap.Error(res.Error))
				return errutil.Internal("failed to update session", res.Error)
			}
			if res.RowsAffected == 0 {
				return errLostRace
			}

			cur.AdsWatched = watched
			cur.SkipCredits = skips
			cur.Completed = completed
			cur.UpdatedAt = now
			if crossed {
				cur.UnlockedVia = via
				cur.CompletedAt = &now
			}
			out = cur
			return nil
		})
		switch {
		case err == nil:
			return out, crossed, nil
		case errors.Is(err, errLostRace):
			log.Debug("lost compare-and-set on unlock session", zap.Int("attempt", attempt+1))
			continue
		default:
			return nil, false, err
		}
	}

	log.Warn("unlock session update kept losing races", zap.Int("retries", s.casRetries))
	return nil, false, errutil.Conflict("session is being updated concurrently, retry", nil)
}
