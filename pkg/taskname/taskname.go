package taskname

const (
	// Unlock tasks
	UnlockCompleted = "unlock:completed"
)
