package source

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"caption-sky/server/internal/captions"
)

const cacheKey = "captions"

// Cached keeps the last successful batch for a TTL and collapses concurrent
// fetches into one upstream call. Errors are not cached.
type Cached struct {
	next  Source
	ttl   time.Duration
	store *cache.Cache
	group singleflight.Group
}

func NewCached(next Source, ttl time.Duration) *Cached {
	return &Cached{
		next:  next,
		ttl:   ttl,
		// One key that Get already checks for expiry; no janitor goroutine.
		store: cache.New(ttl, 0),
	}
}

func (c *Cached) Fetch(ctx context.Context) ([]captions.Record, error) {
	if cached, ok := c.store.Get(cacheKey); ok {
		return copyRecords(cached.([]captions.Record)), nil
	}

	value, err, _ := c.group.Do(cacheKey, func() (any, error) {
		records, err := c.next.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.store.Set(cacheKey, records, c.ttl)
		return records, nil
	})
	if err != nil {
		return nil, err
	}
	return copyRecords(value.([]captions.Record)), nil
}

// Invalidate drops the cached batch so the next Fetch reaches the source.
func (c *Cached) Invalidate() {
	c.store.Delete(cacheKey)
}

// Unwrap returns the wrapped source.
func (c *Cached) Unwrap() Source {
	return c.next
}

func copyRecords(records []captions.Record) []captions.Record {
	out := make([]captions.Record, len(records))
	copy(out, records)
	return out
}
