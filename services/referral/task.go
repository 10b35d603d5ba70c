package referral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"adgate/pkg/logger"
	"adgate/pkg/task"
	"adgate/pkg/taskname"
	"adgate/services/unlock"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type UnlockCompletedPayload struct {
	VisitorID string `json:"visitor_id"`
	SessionID string `json:"session_id"`
	ContentID string `json:"content_id"`
}

func NewUnlockCompletedTask(sess *unlock.Session) (*asynq.Task, error) {
	b, err := json.Marshal(UnlockCompletedPayload{
		VisitorID: sess.VisitorID,
		SessionID: sess.ID,
		ContentID: sess.ContentID,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.UnlockCompleted, b,
		asynq.TaskID("unlock:"+sess.ID),
		asynq.MaxRetry(10),
		asynq.Queue(task.QueueCritical),
	), nil
}

// TaskObserver forwards unlock completions to the worker queue. When the
// queue is unreachable the unlock is counted inline instead.
type TaskObserver struct {
	enqueuer task.Enqueuer
	service  *Service
}

type TaskObserverParams struct {
	fx.In
	Enqueuer task.Enqueuer
	Service  *Service
}

func NewTaskObserver(p TaskObserverParams) *TaskObserver {
	return &TaskObserver{enqueuer: p.Enqueuer, service: p.Service}
}

func (o *TaskObserver) UnlockCompleted(ctx context.Context, sess *unlock.Session) {
	log := logger.FromContext(ctx).With(zap.String("visitor_id", sess.VisitorID), zap.String("session_id", sess.ID))

	t, err := NewUnlockCompletedTask(sess)
	if err == nil {
		_, err = o.enqueuer.Enqueue(ctx, t)
	}
	switch {
	case err == nil:
		return
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		log.Debug("unlock completion already queued")
		return
	}

	log.Warn("failed to enqueue unlock completion, counting inline", zap.Error(err))
	if _, err := o.service.RecordContentUnlock(ctx, sess.VisitorID, sess.ID); err != nil {
		log.Error("failed to count unlock inline", zap.Error(err))
	}
}

type TaskHandler struct {
	service *Service
}

func NewTaskHandler(service *Service) *TaskHandler {
	return &TaskHandler{service: service}
}

func (h *TaskHandler) HandleUnlockCompleted(ctx context.Context, t *asynq.Task) error {
	var payload UnlockCompletedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.VisitorID == "" || payload.SessionID == "" {
		return fmt.Errorf("incomplete payload: %w", asynq.SkipRetry)
	}

	log := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("visitor_id", payload.VisitorID),
		zap.String("session_id", payload.SessionID),
	)

	counted, err := h.service.RecordContentUnlock(ctx, payload.VisitorID, payload.SessionID)
	if err != nil {
		log.Error("failed to record content unlock", zap.Error(err))
		return err
	}

	log.Info("content unlock processed", zap.Bool("counted", counted))
	return nil
}

func registerTaskHandlers(mux *asynq.ServeMux, h *TaskHandler) {
	mux.HandleFunc(taskname.UnlockCompleted, h.HandleUnlockCompleted)
}
