package unlock

import "time"

type UnlockedVia string

const (
	ViaAds       UnlockedVia = "ads"
	ViaBonusCard UnlockedVia = "bonus_card"
	ViaCoins     UnlockedVia = "coins"
	ViaFree      UnlockedVia = "free"
)

// ShortcutKind is a reward-funded change to a session's gating requirement.
type ShortcutKind string

const (
	ShortcutBonusCard ShortcutKind = "bonus_card"
	ShortcutCoinsFull ShortcutKind = "coins_full"
	ShortcutSkipAd    ShortcutKind = "skip_ad"
)

// Full reports whether the shortcut satisfies the whole remaining requirement.
func (k ShortcutKind) Full() bool {
	return k == ShortcutBonusCard || k == ShortcutCoinsFull
}

func (k ShortcutKind) Via() UnlockedVia {
	if k == ShortcutBonusCard {
		return ViaBonusCard
	}
	return ViaCoins
}

func (k ShortcutKind) Valid() bool {
	switch k {
	case ShortcutBonusCard, ShortcutCoinsFull, ShortcutSkipAd:
		return true
	}
	return false
}

// Session is one visitor's progress toward unlocking one content item.
//
// Completed is kept equal to AdsWatched+SkipCredits >= AdsRequired and never
// reverts. AdsWatched only grows and only through completed ad attempts.
type Session struct {
	ID          string      `gorm:"column:id;primaryKey" json:"id"`
	VisitorID   string      `gorm:"column:visitor_id;uniqueIndex:idx_unlock_sessions_visitor_content;size:64" json:"visitor_id"`
	ContentID   string      `gorm:"column:content_id;uniqueIndex:idx_unlock_sessions_visitor_content;size:128" json:"content_id"`
	AdsRequired int         `gorm:"column:ads_required" json:"ads_required"`
	AdsWatched  int         `gorm:"column:ads_watched" json:"ads_watched"`
	SkipCredits int         `gorm:"column:skip_credits" json:"skip_credits"`
	Completed   bool        `gorm:"column:completed" json:"completed"`
	UnlockedVia UnlockedVia `gorm:"column:unlocked_via;size:16" json:"unlocked_via,omitempty"`
	CompletedAt *time.Time  `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time   `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time   `gorm:"column:updated_at" json:"updated_at"`
}

func (Session) TableName() string { return "unlock_sessions" }

// Remaining is the effective number of ads still needed.
func (s *Session) Remaining() int {
	return max(0, s.AdsRequired-s.AdsWatched-s.SkipCredits)
}

func satisfied(required, watched, skips int) bool {
	return watched+skips >= required
}

type Progress struct {
	SessionID   string `json:"session_id"`
	AdsWatched  int    `json:"ads_watched"`
	AdsRequired int    `json:"ads_required"`
	SkipCredits int    `json:"skip_credits"`
	Remaining   int    `json:"remaining"`
	Completed   bool   `json:"completed"`
}

func (s *Session) Progress() *Progress {
	return &Progress{
		SessionID:   s.ID,
		AdsWatched:  s.AdsWatched,
		AdsRequired: s.AdsRequired,
		SkipCredits: s.SkipCredits,
		Remaining:   s.Remaining(),
		Completed:   s.Completed,
	}
}
