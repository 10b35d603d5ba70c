package attempt

import (
	"time"

	"adgate/pkg/errutil"
	"adgate/services/unlock"
)

type State string

const (
	StateIssued State = "issued"
	StateUsed   State = "used"
)

// Attempt is one issued ad-watch token. Its only legal transition is
// issued -> used, after which the row is never written again.
type Attempt struct {
	Token           string     `gorm:"column:token;primaryKey;size:64" json:"token"`
	VisitorID       string     `gorm:"column:visitor_id;index;size:64" json:"visitor_id"`
	ContentID       string     `gorm:"column:content_id;size:128" json:"content_id"`
	UnlockSessionID string     `gorm:"column:unlock_session_id;index" json:"unlock_session_id"`
	State           State      `gorm:"column:state;size:16" json:"state"`
	StartedAt       time.Time  `gorm:"column:started_at" json:"started_at"`
	CompletedAt     *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (Attempt) TableName() string { return "ad_attempts" }

func (a *Attempt) Used() bool {
	return a.State == StateUsed
}

// CheckComplete evaluates the guards of issued -> used for visitorID at now.
func (a *Attempt) CheckComplete(visitorID string, now time.Time, minWatch time.Duration) error {
	if a.VisitorID != visitorID {
		return errutil.Unauthorized("attempt belongs to another visitor", nil)
	}
	if a.Used() {
		return errAlreadyUsed
	}
	if a.State != StateIssued {
		return errutil.Internal("attempt in unknown state", nil)
	}
	if elapsed := now.Sub(a.StartedAt); elapsed < minWatch {
		return errutil.TooEarly("ad was not watched long enough", nil, errutil.WithDetails(errutil.Detail{
			Field:   "retry_after_ms",
			Message: (minWatch - elapsed).Round(time.Millisecond).String(),
		}))
	}
	return nil
}

var errAlreadyUsed = errutil.Conflict("attempt already used", nil)

// Issued is returned to the ad-display flow.
type Issued struct {
	Token           string    `json:"token"`
	SessionID       string    `json:"session_id"`
	StartedAt       time.Time `json:"started_at"`
	MinWatchSeconds int       `json:"min_watch_seconds"`
}

type Completion struct {
	Session           *unlock.Session `json:"session"`
	CrossedCompletion bool            `json:"crossed_completion"`
}
