package unlock

import "context"

// Observer is told, after commit, that a session crossed into completion.
type Observer interface {
	UnlockCompleted(ctx context.Context, sess *Session)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, sess *Session)

func (f ObserverFunc) UnlockCompleted(ctx context.Context, sess *Session) {
	f(ctx, sess)
}

// NopObserver ignores completions.
var NopObserver Observer = ObserverFunc(func(context.Context, *Session) {})
