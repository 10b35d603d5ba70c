package catalog

import "time"

type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
)

// Content is a gated item. RequiredAds is the number of ads a visitor watches
// before the item unlocks; zero means it is free.
type Content struct {
	ContentID   string    `gorm:"column:content_id;primaryKey;size:128" json:"content_id"`
	Title       string    `gorm:"column:title" json:"title"`
	RequiredAds int       `gorm:"column:required_ads" json:"required_ads"`
	Status      Status    `gorm:"column:status;index;size:16" json:"status"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Content) TableName() string { return "contents" }

func (c *Content) Published() bool {
	return c.Status == StatusPublished
}
