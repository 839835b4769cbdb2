package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/otherjamesbrown/nls/pkg/logging"
)

// DefaultCacheTTL is how long reference sets are reused before refetching.
const DefaultCacheTTL = 24 * time.Hour

// Cache keys under which reference sets are stored.
const (
	KeyCountries = "countries"
	KeyCities    = "cities"
)

// Cache stores reference name sets between runs.
type Cache interface {
	Get(ctx context.Context, key string) (names []string, ok bool, err error)
	Set(ctx context.Context, key string, names []string, ttl time.Duration) error
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memoryEntry

	// Now is the clock used for expiry; tests may replace it.
	Now func() time.Time
}

type memoryEntry struct {
	names   []string
	expires time.Time
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]memoryEntry), Now: time.Now}
}

// Get implements Cache.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !c.Now().Before(e.expires) {
		delete(c.items, key)
		return nil, false, nil
	}
	return e.names, true, nil
}

// Set implements Cache. A zero ttl never expires.
func (c *MemoryCache) Set(ctx context.Context, key string, names []string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := memoryEntry{names: names}
	if ttl > 0 {
		e.expires = c.Now().Add(ttl)
	}
	c.items[key] = e
	return nil
}

// RedisCache stores reference sets as JSON arrays in Redis.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache returns a Cache writing keys under prefix (default "nls:lookup:").
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "nls:lookup:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) ([]string, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return names, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, names []string, ttl time.Duration) error {
	data, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// DefaultRetryAfter is how long a failed load is remembered before the inner
// Lookup is asked again.
const DefaultRetryAfter = 10 * time.Minute

// Cached wraps a Lookup with a Cache and memoizes each set for the life of the
// process. A failed load is remembered for RetryAfter; until then the set reads
// as empty so extraction keeps the page's spelling.
type Cached struct {
	inner  Lookup
	cache  Cache
	ttl    time.Duration
	logger logging.Logger

	// RetryAfter bounds how long a failed load is remembered.
	RetryAfter time.Duration
	// Now is the clock used for RetryAfter; tests may replace it.
	Now func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	sets  map[string]map[string]struct{}
	fails map[string]time.Time
}

var _ Lookup = (*Cached)(nil)

// NewCached returns a caching Lookup. A nil cache only memoizes in process.
func NewCached(inner Lookup, cache Cache, ttl time.Duration, logger logging.Logger) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Cached{
		inner:      inner,
		cache:      cache,
		ttl:        ttl,
		logger:     logger.With(logging.F("component", "lookup_cache")),
		RetryAfter: DefaultRetryAfter,
		Now:        time.Now,
		sets:       make(map[string]map[string]struct{}),
		fails:      make(map[string]time.Time),
	}
}

// Countries implements Lookup.
func (c *Cached) Countries(ctx context.Context) (map[string]struct{}, error) {
	return c.get(ctx, KeyCountries, c.inner.Countries)
}

// Cities implements Lookup.
func (c *Cached) Cities(ctx context.Context) (map[string]struct{}, error) {
	return c.get(ctx, KeyCities, c.inner.Cities)
}

// memo reports a remembered set, or an empty one while a failure is fresh.
func (c *Cached) memo(key string) (map[string]struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.sets[key]; ok {
		return set, true
	}
	if until, ok := c.fails[key]; ok && c.Now().Before(until) {
		return map[string]struct{}{}, true
	}
	return nil, false
}

// get loads each key at most once at a time; concurrent callers share the
// in-flight load and its outcome.
func (c *Cached) get(ctx context.Context, key string, load func(context.Context) (map[string]struct{}, error)) (map[string]struct{}, error) {
	if set, ok := c.memo(key); ok {
		return set, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if set, ok := c.memo(key); ok {
			return set, nil
		}
		return c.load(ctx, key, load)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]struct{}), nil
}

func (c *Cached) load(ctx context.Context, key string, load func(context.Context) (map[string]struct{}, error)) (map[string]struct{}, error) {
	if c.cache != nil {
		names, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			c.logger.Warn("Lookup cache read failed", logging.F("key", key), logging.Err(err))
		} else if ok {
			set := toSet(names)
			c.remember(key, set)
			return set, nil
		}
	}

	set, err := load(ctx)
	if err != nil {
		c.mu.Lock()
		c.fails[key] = c.Now().Add(c.RetryAfter)
		c.mu.Unlock()
		c.logger.Warn("Lookup load failed; using page names until retry",
			logging.F("key", key),
			logging.F("retry_after", c.RetryAfter.String()),
			logging.Err(err))
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	c.remember(key, set)

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, toSlice(set), c.ttl); err != nil {
			c.logger.Warn("Lookup cache write failed", logging.F("key", key), logging.Err(err))
		}
	}
	return set, nil
}

func (c *Cached) remember(key string, set map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets[key] = set
	delete(c.fails, key)
}
