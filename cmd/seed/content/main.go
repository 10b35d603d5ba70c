package main

import (
	"context"
	"log"

	"adgate/pkg/config"
	"adgate/pkg/db"
	"adgate/pkg/logger"
	"adgate/services/catalog"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

var demo = []catalog.Content{
	{ContentID: "welcome", Title: "Welcome", RequiredAds: 0, Status: catalog.StatusPublished},
	{ContentID: "guide-basics", Title: "Basics guide", RequiredAds: 1, Status: catalog.StatusPublished},
	{ContentID: "guide-advanced", Title: "Advanced guide", RequiredAds: 3, Status: catalog.StatusPublished},
	{ContentID: "premium-report", Title: "Premium report", RequiredAds: 5, Status: catalog.StatusPublished},
	{ContentID: "upcoming", Title: "Coming soon", RequiredAds: 2, Status: catalog.StatusDraft},
}

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		catalog.Module,
		fx.Invoke(seed),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)
	if err := app.Err(); err != nil {
		log.Fatalf("seed failed: %v", err)
	}
}

func seed(svc *catalog.Service) error {
	ctx := context.Background()
	for i := range demo {
		c := demo[i]
		if err := svc.Save(ctx, &c); err != nil {
			return err
		}
		zap.L().Info("content seeded", zap.String("content_id", c.ContentID), zap.Int("required_ads", c.RequiredAds))
	}
	return nil
}
