package referral

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type Asset string

const (
	AssetCoins        Asset = "coins"
	AssetBonusUnlocks Asset = "bonus_unlocks"
)

// column returns the ledger_accounts column that holds the asset balance.
func (a Asset) column() (string, bool) {
	switch a {
	case AssetCoins:
		return "coins", true
	case AssetBonusUnlocks:
		return "bonus_unlocks", true
	}
	return "", false
}

type EntryType string

const (
	EntryCredit EntryType = "CREDIT"
	EntryDebit  EntryType = "DEBIT"
)

const genesisHash = "GENESIS"

// LedgerEntry records one balance movement. Entries of a visitor form a hash
// chain ordered by Sequence, starting from GENESIS.
type LedgerEntry struct {
	ID            string         `gorm:"column:id;primaryKey" json:"id"`
	VisitorID     string         `gorm:"column:visitor_id;uniqueIndex:idx_ledger_entries_visitor_seq;size:64" json:"visitor_id"`
	Sequence      int64          `gorm:"column:sequence;uniqueIndex:idx_ledger_entries_visitor_seq" json:"sequence"`
	Asset         Asset          `gorm:"column:asset;size:16" json:"asset"`
	Type          EntryType      `gorm:"column:type;size:8" json:"type"`
	Amount        int64          `gorm:"column:amount" json:"amount"`
	BalanceAfter  int64          `gorm:"column:balance_after" json:"balance_after"`
	TransactionID string         `gorm:"column:transaction_id;size:64" json:"transaction_id"`
	ReferenceID   string         `gorm:"column:reference_id;index;size:128" json:"reference_id"`
	Description   string         `gorm:"column:description" json:"description"`
	PreviousHash  string         `gorm:"column:previous_hash" json:"previous_hash"`
	Hash          string         `gorm:"column:hash" json:"hash"`
	Metadata      datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt     time.Time      `gorm:"column:created_at" json:"created_at"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// Reference describes why a balance moved.
type Reference struct {
	TransactionID string
	ReferenceID   string
	Description   string
	Metadata      map[string]any
}

func (m *LedgerEntry) HashFields() map[string]string {
	return map[string]string{
		"id":             m.ID,
		"visitor_id":     m.VisitorID,
		"sequence":       fmt.Sprintf("%d", m.Sequence),
		"asset":          string(m.Asset),
		"type":           string(m.Type),
		"amount":         fmt.Sprintf("%d", m.Amount),
		"balance_after":  fmt.Sprintf("%d", m.BalanceAfter),
		"transaction_id": m.TransactionID,
		"reference_id":   m.ReferenceID,
		"description":    m.Description,
		"created_at":     m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash":  m.PreviousHash,
	}
}

func (m *LedgerEntry) GenerateHash() string {
	fields := m.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// ChainReport is the outcome of re-hashing a visitor's ledger.
type ChainReport struct {
	VisitorID string `json:"visitor_id"`
	Entries   int    `json:"entries"`
	Valid     bool   `json:"valid"`
	BrokenAt  string `json:"broken_at,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// verifyChain walks entries in sequence order.
func verifyChain(visitorID string, entries []*LedgerEntry) *ChainReport {
	report := &ChainReport{VisitorID: visitorID, Entries: len(entries), Valid: true}

	previous := genesisHash
	for i, e := range entries {
		switch {
		case e.Sequence != int64(i+1):
			report.Reason = "sequence gap"
		case e.PreviousHash != previous:
			report.Reason = "previous hash mismatch"
		case e.GenerateHash() != e.Hash:
			report.Reason = "hash mismatch"
		}
		if report.Reason != "" {
			report.Valid = false
			report.BrokenAt = e.ID
			return report
		}
		previous = e.Hash
	}
	return report
}

func GenerateTransactionID(now time.Time) (string, error) {
	r := make([]byte, 3)
	if _, err := rand.Read(r); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102"), strings.ToUpper(hex.EncodeToString(r))), nil
}
