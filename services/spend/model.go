package spend

import (
	"time"

	"adgate/pkg/config"
	"adgate/services/referral"
	"adgate/services/unlock"
)

type Type string

const (
	TypeBonusCard       Type = "spend-bonus-card"
	TypeCoinsFullUnlock Type = "spend-coins-full-unlock"
	TypeCoinsSkipAd     Type = "spend-coins-skip-ad"
)

// price is what a spend type costs and what it buys.
type price struct {
	asset    referral.Asset
	amount   int64
	shortcut unlock.ShortcutKind
}

func priceList(r config.Rewards) map[Type]price {
	return map[Type]price{
		TypeBonusCard:       {asset: referral.AssetBonusUnlocks, amount: 1, shortcut: unlock.ShortcutBonusCard},
		TypeCoinsFullUnlock: {asset: referral.AssetCoins, amount: r.FullUnlockCoinCost, shortcut: unlock.ShortcutCoinsFull},
		TypeCoinsSkipAd:     {asset: referral.AssetCoins, amount: r.SkipAdCoinCost, shortcut: unlock.ShortcutSkipAd},
	}
}

// Pending is a spend the visitor can afford but has not confirmed yet.
type Pending struct {
	ID            string         `json:"id"`
	VisitorID     string         `json:"visitor_id"`
	SessionID     string         `json:"session_id"`
	Type          Type           `json:"type"`
	Asset         referral.Asset `json:"asset"`
	Cost          int64          `json:"cost"`
	BalanceBefore int64          `json:"balance_before"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`

	onSuccess  func(*unlock.Session)
	confirming bool
}

func (p *Pending) expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

type Result struct {
	Applied       bool                  `json:"applied"`
	TransactionID string                `json:"transaction_id,omitempty"`
	Type          Type                  `json:"type"`
	Entry         *referral.LedgerEntry `json:"entry,omitempty"`
	SessionAfter  *unlock.Session       `json:"session_after,omitempty"`
}

// Celebration is published to the visitor's channel after a successful spend.
type Celebration struct {
	VisitorID     string    `json:"visitor_id"`
	SessionID     string    `json:"session_id"`
	ContentID     string    `json:"content_id"`
	Type          Type      `json:"type"`
	TransactionID string    `json:"transaction_id"`
	Completed     bool      `json:"completed"`
	At            time.Time `json:"at"`
}
