package attempt

import (
	"context"
	"math"
	"time"

	"adgate/pkg/config"
	"adgate/pkg/errutil"
	"adgate/pkg/logger"
	"adgate/pkg/repository"
	"adgate/pkg/util"
	"adgate/services/unlock"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const tokenBytes = 32

type Service struct {
	db       *gorm.DB
	attempts repository.Repository[Attempt]
	unlock   *unlock.Service
	observer unlock.Observer
	minWatch time.Duration
	now      func() time.Time
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Config   *config.Config
	Unlock   *unlock.Service
	Observer unlock.Observer `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	observer := p.Observer
	if observer == nil {
		observer = unlock.NopObserver
	}

	return &Service{
		db:       p.DB,
		attempts: repository.ProvideStore[Attempt](p.DB),
		unlock:   p.Unlock,
		observer: observer,
		minWatch: p.Config.Gate.MinWatch,
		now:      time.Now,
	}
}

// IssueAttempt mints a token for the visitor's session on contentID.
func (s *Service) IssueAttempt(ctx context.Context, visitorID, contentID string) (*Issued, error) {
	sess, err := s.unlock.Find(ctx, visitorID, contentID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, errutil.NotFound("no unlock session for this content", nil)
	}
	return s.issue(ctx, visitorID, contentID, sess)
}

// IssueAttemptForSession mints a token for an explicit session, checking that
// it belongs to visitorID and gates contentID.
func (s *Service) IssueAttemptForSession(ctx context.Context, visitorID, contentID, sessionID string) (*Issued, error) {
	sess, err := s.unlock.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, visitorID, contentID, sess)
}

func (s *Service) issue(ctx context.Context, visitorID, contentID string, sess *unlock.Session) (*Issued, error) {
	log := logger.FromContext(ctx).With(zap.String("visitor_id", visitorID), zap.String("session_id", sess.ID))

	if sess.VisitorID != visitorID {
		log.Warn("attempt requested for foreign session")
		return nil, errutil.Unauthorized("session belongs to another visitor", nil)
	}
	if sess.ContentID != contentID {
		return nil, errutil.BadRequest("session does not gate this content", nil)
	}
	if sess.Completed {
		return nil, errutil.Conflict("content already unlocked", nil)
	}

	token, err := util.GenerateToken(tokenBytes)
	if err != nil {
		log.Error("failed to generate attempt token", zap.Error(err))
		return nil, errutil.Internal("failed to issue attempt", err)
	}

	a := &Attempt{
		Token:           token,
		VisitorID:       visitorID,
		ContentID:       contentID,
		UnlockSessionID: sess.ID,
		State:           StateIssued,
		StartedAt:       s.now(),
	}
	if err := s.attempts.Create(ctx, a); err != nil {
		log.Error("failed to persist attempt", zap.Error(err))
		return nil, errutil.Internal("failed to issue attempt", err)
	}

	return &Issued{
		Token:           a.Token,
		SessionID:       sess.ID,
		StartedAt:       a.StartedAt,
		MinWatchSeconds: int(math.Ceil(s.minWatch.Seconds())),
	}, nil
}

// CompleteAttempt consumes token and counts one watched ad on its session.
// Every rejection leaves both the attempt and the session untouched.
func (s *Service) CompleteAttempt(ctx context.Context, visitorID, token string) (*Completion, error) {
	if token == "" {
		return nil, errutil.NotFound("attempt not found", nil)
	}
	log := logger.FromContext(ctx).With(zap.String("visitor_id", visitorID))

	var out Completion
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := s.attempts.WithTrx(tx).FindOne(ctx, &Attempt{Token: token})
		if err != nil {
			return errutil.Internal("failed to load attempt", err)
		}
		if a == nil {
			return errutil.NotFound("attempt not found", nil)
		}

		now := s.now()
		if err := a.CheckComplete(visitorID, now, s.minWatch); err != nil {
			return err
		}

		res := tx.Model(&Attempt{}).
			Where("token = ? AND state = ?", token, StateIssued).
			Updates(map[string]any{"state": StateUsed, "completed_at": now})
		if res.Error != nil {
			return errutil.Internal("failed to consume attempt", res.Error)
		}
		if res.RowsAffected == 0 {
			return errAlreadyUsed
		}

		sess, crossed, err := s.unlock.WithTrx(tx).RecordAdWatched(ctx, a.UnlockSessionID)
		if err != nil {
			return err
		}

		out.Session = sess
		out.CrossedCompletion = crossed
		return nil
	})
	if err != nil {
		if errutil.StatusOf(err).HTTPStatus() >= 500 {
			log.Error("failed to complete attempt", zap.Error(err))
		} else {
			log.Info("attempt completion rejected", zap.String("reason", string(errutil.StatusOf(err))))
		}
		return nil, err
	}

	if out.CrossedCompletion {
		s.observer.UnlockCompleted(ctx, out.Session)
	}
	return &out, nil
}
