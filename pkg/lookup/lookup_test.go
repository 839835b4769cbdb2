package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical(t *testing.T) {
	set := map[string]struct{}{"Portugal": {}, "United Kingdom": {}}

	tests := []struct {
		in, want string
	}{
		{"Portugal", "Portugal"},
		{"portugal", "Portugal"},
		{"  united   kingdom ", "United Kingdom"},
		{"Narnia", "Narnia"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Canonical(set, tt.in))
		})
	}
}

func TestCanonical_Deterministic(t *testing.T) {
	set := map[string]struct{}{"lisbon": {}, "Lisbon": {}, "LISBON": {}}

	assert.Equal(t, "lisbon", Canonical(set, "lisbon"), "exact match wins")
	for i := 0; i < 20; i++ {
		assert.Equal(t, "LISBON", Canonical(set, "LisBon"))
	}
}

func TestStatic(t *testing.T) {
	s := NewStatic([]string{"Portugal", " Spain ", ""}, []string{"Lisbon"})
	countries, err := s.Countries(context.Background())
	require.NoError(t, err)
	assert.Len(t, countries, 2)
	assert.Contains(t, countries, "Spain")

	cities, err := Empty.Cities(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cities)
}

// pagedServer serves names in pages of the requested size.
func pagedServer(t *testing.T, field string, names []string, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		assert.Equal(t, "secret", r.URL.Query().Get("access_key"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		end := min(offset+limit, len(names))
		var data []map[string]string
		for _, n := range names[offset:end] {
			data = append(data, map[string]string{field: n})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"pagination": map[string]int{"limit": limit, "offset": offset, "count": end - offset, "total": len(names)},
			"data":       data,
		})
	}))
}

func TestClient_Paginates(t *testing.T) {
	var calls int32
	srv := pagedServer(t, "country_name", []string{"Portugal", "Spain", "France", "Italy", "Greece"}, &calls)
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, AccessKey: "secret", PageSize: 2}, nil, nil)
	countries, err := c.Countries(context.Background())
	require.NoError(t, err)
	assert.Len(t, countries, 5)
	assert.Contains(t, countries, "Greece")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"code":"invalid_access_key","message":"You have not supplied a valid API Access Key."}}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL}, nil, nil)
	_, err := c.Cities(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_access_key")
}

func TestClient_HTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL}, nil, nil)
	_, err := c.Countries(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

type countingLookup struct {
	calls int32
	err   error
	delay time.Duration
}

func (l *countingLookup) Countries(ctx context.Context) (map[string]struct{}, error) {
	atomic.AddInt32(&l.calls, 1)
	time.Sleep(l.delay)
	if l.err != nil {
		return nil, l.err
	}
	return map[string]struct{}{"Portugal": {}}, nil
}

func (l *countingLookup) Cities(ctx context.Context) (map[string]struct{}, error) {
	atomic.AddInt32(&l.calls, 1)
	return map[string]struct{}{"Lisbon": {}, "Porto": {}}, nil
}

func TestCached_MemoizesAndFillsCache(t *testing.T) {
	ctx := context.Background()
	inner := &countingLookup{}
	cache := NewMemoryCache()
	c := NewCached(inner, cache, time.Hour, nil)

	for i := 0; i < 3; i++ {
		cities, err := c.Cities(ctx)
		require.NoError(t, err)
		assert.Len(t, cities, 2)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.calls))

	names, ok, err := cache.Get(ctx, KeyCities)
	require.NoError(t, err)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"Lisbon", "Porto"}, names)

	// A second process reads the shared cache instead of the API.
	other := &countingLookup{}
	c2 := NewCached(other, cache, time.Hour, nil)
	_, err = c2.Cities(ctx)
	require.NoError(t, err)
	assert.Zero(t, atomic.LoadInt32(&other.calls))
}

func TestCached_RemembersLoadFailure(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	inner := &countingLookup{err: errors.New("api down")}
	c := NewCached(inner, nil, 0, nil)
	c.Now = func() time.Time { return now }

	_, err := c.Countries(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, inner.err)

	countries, err := c.Countries(ctx)
	require.NoError(t, err, "a remembered failure reads as an empty set")
	assert.Empty(t, countries)
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.calls))

	now = now.Add(c.RetryAfter + time.Second)
	inner.err = nil
	countries, err = c.Countries(ctx)
	require.NoError(t, err)
	assert.Contains(t, countries, "Portugal")
	assert.Equal(t, int32(2), atomic.LoadInt32(&inner.calls), "load is retried after the backoff")
}

func TestCached_ConcurrentFailuresLoadOnce(t *testing.T) {
	inner := &countingLookup{err: errors.New("api down"), delay: 50 * time.Millisecond}
	c := NewCached(inner, nil, 0, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			countries, err := c.Countries(context.Background())
			if err == nil {
				assert.Empty(t, countries)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.calls))
}

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCache()
	c.Now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, KeyCountries, []string{"Portugal"}, time.Minute))
	_, ok, _ := c.Get(ctx, KeyCountries)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = c.Get(ctx, KeyCountries)
	assert.False(t, ok)
}

func TestRedisCache(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	addr := os.Getenv("NLS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("NLS_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	c := NewRedisCache(client, "nls:test:"+strconv.FormatInt(time.Now().UnixNano(), 10)+":")
	_, ok, err := c.Get(ctx, KeyCountries)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, KeyCountries, []string{"Portugal", "Spain"}, time.Minute))
	names, ok, err := c.Get(ctx, KeyCountries)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"Portugal", "Spain"}, names)
}
