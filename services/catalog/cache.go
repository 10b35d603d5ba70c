package catalog

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "adgate_catalog_cache_hits_total",
		Help: "Content lookups served from the in-process cache.",
	})
	cacheMiss = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "adgate_catalog_cache_misses_total",
		Help: "Content lookups that had to load from the database.",
	})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMiss)
}

type cachedContent struct {
	content  *Content
	storedAt time.Time
}

// ContentCache is a thread-safe TTL cache; concurrent misses on one key share
// a single load.
type ContentCache struct {
	mu    sync.RWMutex
	items map[string]cachedContent
	ttl   time.Duration
	group singleflight.Group
	now   func() time.Time
}

func NewContentCache(ttl time.Duration) *ContentCache {
	return &ContentCache{
		items: make(map[string]cachedContent),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (c *ContentCache) Get(contentID string) (*Content, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[contentID]
	if !ok || (c.ttl > 0 && c.now().Sub(v.storedAt) > c.ttl) {
		cacheMiss.Inc()
		return nil, false
	}
	cacheHits.Inc()
	return v.content, true
}

func (c *ContentCache) Set(v *Content) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[v.ContentID] = cachedContent{content: v, storedAt: c.now()}
}

func (c *ContentCache) Invalidate(contentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, contentID)
}

// Load returns the cached value or calls load once for all concurrent callers.
func (c *ContentCache) Load(contentID string, load func() (*Content, error)) (*Content, error) {
	if v, ok := c.Get(contentID); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(contentID, func() (any, error) {
		content, err := load()
		if err != nil {
			return nil, err
		}
		c.Set(content)
		return content, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Content), nil
}
