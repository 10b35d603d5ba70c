package referral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"adgate/pkg/taskname"
	"adgate/services/unlock"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type enqueuerMock struct {
	err   error
	tasks []*asynq.Task
}

func (m *enqueuerMock) Enqueue(_ context.Context, t *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	m.tasks = append(m.tasks, t)
	if m.err != nil {
		return nil, m.err
	}
	return &asynq.TaskInfo{ID: "unlock:" + t.Type(), Type: t.Type()}, nil
}

func completedSession() *unlock.Session {
	return &unlock.Session{ID: "session-1", VisitorID: "visitor-a", ContentID: "post-1", Completed: true}
}

func TestNewUnlockCompletedTask(t *testing.T) {
	task, err := NewUnlockCompletedTask(completedSession())
	require.NoError(t, err)
	require.Equal(t, taskname.UnlockCompleted, task.Type())

	var payload UnlockCompletedPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, UnlockCompletedPayload{VisitorID: "visitor-a", SessionID: "session-1", ContentID: "post-1"}, payload)
}

func TestTaskObserver(t *testing.T) {
	ctx := context.Background()

	t.Run("enqueued", func(t *testing.T) {
		svc, _ := newTestService(t, nil)
		q := &enqueuerMock{}
		NewTaskObserver(TaskObserverParams{Enqueuer: q, Service: svc}).UnlockCompleted(ctx, completedSession())

		require.Len(t, q.tasks, 1)
		_, err := svc.account(ctx, "visitor-a")
		require.Error(t, err, "nothing is counted inline when the task is queued")
	})

	t.Run("duplicate is ignored", func(t *testing.T) {
		svc, _ := newTestService(t, nil)
		q := &enqueuerMock{err: fmt.Errorf("failed to enqueue task: %w", asynq.ErrTaskIDConflict)}
		NewTaskObserver(TaskObserverParams{Enqueuer: q, Service: svc}).UnlockCompleted(ctx, completedSession())

		_, err := svc.account(ctx, "visitor-a")
		require.Error(t, err)
	})

	t.Run("queue down counts inline", func(t *testing.T) {
		svc, _ := newTestService(t, nil)
		q := &enqueuerMock{err: errors.New("dial tcp: connection refused")}
		observer := NewTaskObserver(TaskObserverParams{Enqueuer: q, Service: svc})

		observer.UnlockCompleted(ctx, completedSession())
		observer.UnlockCompleted(ctx, completedSession())

		acct, err := svc.account(ctx, "visitor-a")
		require.NoError(t, err)
		require.Equal(t, int64(1), acct.TotalUnlocksCompleted)
	})
}

func TestHandleUnlockCompleted(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	h := NewTaskHandler(svc)

	err := h.HandleUnlockCompleted(ctx, asynq.NewTask(taskname.UnlockCompleted, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = h.HandleUnlockCompleted(ctx, asynq.NewTask(taskname.UnlockCompleted, []byte(`{"visitor_id":"visitor-a"}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)

	task, err := NewUnlockCompletedTask(completedSession())
	require.NoError(t, err)
	require.NoError(t, h.HandleUnlockCompleted(ctx, task))
	require.NoError(t, h.HandleUnlockCompleted(ctx, task))

	acct, err := svc.account(ctx, "visitor-a")
	require.NoError(t, err)
	require.Equal(t, int64(1), acct.TotalUnlocksCompleted)
}
