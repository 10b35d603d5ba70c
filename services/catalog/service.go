package catalog

import (
	"context"
	"strings"
	"time"

	"adgate/pkg/config"
	"adgate/pkg/errutil"
	"adgate/pkg/logger"
	"adgate/pkg/repository"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db       *gorm.DB
	contents repository.Repository[Content]
	cache    *ContentCache
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		contents: repository.ProvideStore[Content](p.DB),
		cache:    NewContentCache(p.Config.Gate.CatalogCacheTTL),
	}
}

// GetContent returns a published content item.
func (s *Service) GetContent(ctx context.Context, contentID string) (*Content, error) {
	contentID = strings.TrimSpace(contentID)
	if contentID == "" {
		return nil, errutil.BadRequest("content_id is required", nil)
	}

	return s.cache.Load(contentID, func() (*Content, error) {
		c, err := s.contents.FindOne(ctx, &Content{ContentID: contentID})
		if err != nil {
			logger.FromContext(ctx).Error("failed to load content", zap.String("content_id", contentID), zap.Error(err))
			return nil, errutil.Internal("failed to load content", err)
		}
		if c == nil || !c.Published() {
			return nil, errutil.NotFound("content not found", nil)
		}
		return c, nil
	})
}

// Save inserts or replaces a content item.
func (s *Service) Save(ctx context.Context, c *Content) error {
	if strings.TrimSpace(c.ContentID) == "" {
		return errutil.BadRequest("content_id is required", nil)
	}
	if c.RequiredAds < 0 {
		return errutil.BadRequest("required_ads must be >= 0", nil)
	}
	if c.Status == "" {
		c.Status = StatusDraft
	}

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "content_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "required_ads", "status", "updated_at"}),
	}).Create(c).Error
	if err != nil {
		logger.FromContext(ctx).Error("failed to save content", zap.String("content_id", c.ContentID), zap.Error(err))
		return errutil.Internal("failed to save content", err)
	}

	s.cache.Invalidate(c.ContentID)
	return nil
}
