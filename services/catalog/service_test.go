package catalog

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"adgate/pkg/config"
	"adgate/pkg/errutil"
	"adgate/services/testutil"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	db := testutil.NewTestDB(t, &Content{})
	cfg := config.Default()
	cfg.Gate.CatalogCacheTTL = time.Minute
	return NewService(ServiceParams{DB: db, Config: cfg})
}

func TestGetContent(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	require.NoError(t, svc.Save(ctx, &Content{ContentID: "post-1", Title: "Post", RequiredAds: 3, Status: StatusPublished}))
	require.NoError(t, svc.Save(ctx, &Content{ContentID: "post-2", RequiredAds: 1}))

	c, err := svc.GetContent(ctx, " post-1 ")
	require.NoError(t, err)
	require.Equal(t, 3, c.RequiredAds)

	_, err = svc.GetContent(ctx, "post-2")
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound), "drafts are hidden")

	_, err = svc.GetContent(ctx, "missing")
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))

	_, err = svc.GetContent(ctx, "")
	require.True(t, errutil.HasStatus(err, errutil.StatusBadRequest))

	require.True(t, errutil.HasStatus(svc.Save(ctx, &Content{ContentID: "post-3", RequiredAds: -1}), errutil.StatusBadRequest))
}

func TestGetContentIsCached(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	now := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	svc.cache.now = func() time.Time { return now }

	require.NoError(t, svc.Save(ctx, &Content{ContentID: "post-1", RequiredAds: 3, Status: StatusPublished}))
	_, err := svc.GetContent(ctx, "post-1")
	require.NoError(t, err)

	require.NoError(t, svc.db.Model(&Content{}).Where("content_id = ?", "post-1").Update("required_ads", 5).Error)

	hits := promtest.ToFloat64(cacheHits)
	c, err := svc.GetContent(ctx, "post-1")
	require.NoError(t, err)
	require.Equal(t, 3, c.RequiredAds)
	require.Equal(t, hits+1, promtest.ToFloat64(cacheHits))

	now = now.Add(2 * time.Minute)
	c, err = svc.GetContent(ctx, "post-1")
	require.NoError(t, err)
	require.Equal(t, 5, c.RequiredAds)

	require.NoError(t, svc.Save(ctx, &Content{ContentID: "post-1", RequiredAds: 0, Status: StatusPublished}))
	c, err = svc.GetContent(ctx, "post-1")
	require.NoError(t, err)
	require.Zero(t, c.RequiredAds)
}

func TestContentCacheSharesConcurrentLoads(t *testing.T) {
	cache := NewContentCache(time.Minute)
	release := make(chan struct{})
	var loads atomic.Int32

	load := func() (*Content, error) {
		loads.Add(1)
		<-release
		return &Content{ContentID: "post-1", RequiredAds: 2, Status: StatusPublished}, nil
	}

	var wg sync.WaitGroup
	results := make([]*Content, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := cache.Load("post-1", load)
			require.NoError(t, err)
			results[i] = c
		}(i)
	}

	require.Eventually(t, func() bool { return loads.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.LessOrEqual(t, loads.Load(), int32(2))
	for _, c := range results {
		require.Equal(t, 2, c.RequiredAds)
	}
}

func TestCacheCountersAreDocumented(t *testing.T) {
	require.Equal(t, 1, promtest.CollectAndCount(cacheHits, "adgate_catalog_cache_hits_total"))
	require.Equal(t, 1, promtest.CollectAndCount(cacheMiss, "adgate_catalog_cache_misses_total"))

	for _, c := range []prometheus.Collector{cacheHits, cacheMiss} {
		problems, err := promtest.CollectAndLint(c)
		require.NoError(t, err)
		require.Empty(t, problems)
	}
}
