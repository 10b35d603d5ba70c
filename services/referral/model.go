package referral

import (
	"time"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusValid    Status = "valid"
	StatusRewarded Status = "rewarded"
)

// Account is the per-visitor rewards state.
type Account struct {
	VisitorID               string     `gorm:"column:visitor_id;primaryKey;size:64" json:"visitor_id"`
	MyReferralCode          string     `gorm:"column:my_referral_code;uniqueIndex;size:32" json:"my_referral_code"`
	ReferredByCode          *string    `gorm:"column:referred_by_code;size:32" json:"referred_by_code,omitempty"`
	TotalReferrals          int64      `gorm:"column:total_referrals" json:"total_referrals"`
	ValidReferrals          int64      `gorm:"column:valid_referrals" json:"valid_referrals"`
	Coins                   int64      `gorm:"column:coins" json:"coins"`
	BonusUnlocks            int64      `gorm:"column:bonus_unlocks" json:"bonus_unlocks"`
	PriorityUnlockExpiresAt *time.Time `gorm:"column:priority_unlock_expires_at" json:"priority_unlock_expires_at,omitempty"`
	TotalTimeTrackedSeconds int64      `gorm:"column:total_time_tracked_seconds" json:"total_time_tracked_seconds"`
	TotalUnlocksCompleted   int64      `gorm:"column:total_unlocks_completed" json:"total_unlocks_completed"`
	TrackingStartedAt       *time.Time `gorm:"column:tracking_started_at" json:"tracking_started_at,omitempty"`
	CreatedAt               time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt               time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (Account) TableName() string { return "ledger_accounts" }

func (a *Account) Balance(asset Asset) int64 {
	if asset == AssetBonusUnlocks {
		return a.BonusUnlocks
	}
	return a.Coins
}

func (a *Account) PriorityActive(now time.Time) bool {
	return a.PriorityUnlockExpiresAt != nil && a.PriorityUnlockExpiresAt.After(now)
}

// Referral links a referred visitor to the code that brought them in.
type Referral struct {
	ID                string     `gorm:"column:id;primaryKey" json:"id"`
	ReferrerCode      string     `gorm:"column:referrer_code;index;size:32" json:"referrer_code"`
	ReferredVisitorID string     `gorm:"column:referred_visitor_id;uniqueIndex;size:64" json:"referred_visitor_id"`
	Status            Status     `gorm:"column:status;index;size:16" json:"status"`
	CreatedAt         time.Time  `gorm:"column:created_at" json:"created_at"`
	ValidatedAt       *time.Time `gorm:"column:validated_at" json:"validated_at,omitempty"`
	RewardedAt        *time.Time `gorm:"column:rewarded_at" json:"rewarded_at,omitempty"`
}

func (Referral) TableName() string { return "referrals" }

// CountedUnlock marks a session whose completion already fed the counters.
type CountedUnlock struct {
	SessionID string    `gorm:"column:session_id;primaryKey" json:"session_id"`
	VisitorID string    `gorm:"column:visitor_id;index;size:64" json:"visitor_id"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

func (CountedUnlock) TableName() string { return "counted_unlocks" }

type Stats struct {
	VisitorID           string     `json:"visitor_id"`
	MyReferralCode      string     `json:"my_referral_code"`
	Coins               int64      `json:"coins"`
	BonusUnlocks        int64      `json:"bonus_unlocks"`
	TotalReferrals      int64      `json:"total_referrals"`
	ValidReferrals      int64      `json:"valid_referrals"`
	PriorityActiveUntil *time.Time `json:"priority_active_until,omitempty"`
	Degraded            bool       `json:"degraded,omitempty"`
}

type ClaimResult struct {
	Applied      bool   `json:"applied"`
	ReferrerCode string `json:"referrer_code,omitempty"`
}

type RewardSummary struct {
	Rewarded            int        `json:"rewarded"`
	CoinsCredited       int64      `json:"coins_credited"`
	BonusUnlocksGranted int64      `json:"bonus_unlocks_granted"`
	PriorityActiveUntil *time.Time `json:"priority_active_until,omitempty"`
}
