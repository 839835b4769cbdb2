package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/nls/pkg/detail"
	pferrors "github.com/otherjamesbrown/nls/pkg/errors"
	"github.com/otherjamesbrown/nls/pkg/lookup"
	"github.com/otherjamesbrown/nls/pkg/observability"
	"github.com/otherjamesbrown/nls/pkg/records"
)

type extractorFunc func(ctx context.Context, markup []byte, ref lookup.Lookup) (*records.Detail, error)

func (f extractorFunc) Extract(ctx context.Context, markup []byte, ref lookup.Lookup) (*records.Detail, error) {
	return f(ctx, markup, ref)
}

// bodyExtractor reads pages of the form "city:<name>".
var bodyExtractor = extractorFunc(func(_ context.Context, markup []byte, _ lookup.Lookup) (*records.Detail, error) {
	body := string(markup)
	switch {
	case body == "empty":
		return nil, detail.ErrNoData
	case body == "broken":
		return nil, errors.New("unexpected markup")
	case strings.HasPrefix(body, "city:"):
		return &records.Detail{Region: "Europe", Country: "Portugal", Name: strings.TrimPrefix(body, "city:")}, nil
	}
	return nil, fmt.Errorf("unknown body %q", body)
})

func cityServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, "city:%s", strings.TrimPrefix(r.URL.Path, "/"))
		}
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func refs(base string, n int) []EntityRef {
	out := make([]EntityRef, n)
	for i := range out {
		name := fmt.Sprintf("city-%d", i+1)
		out[i] = EntityRef{Name: name, Slug: name, URL: base + "/" + name, Rank: i + 1}
	}
	return out
}

func collect(ch <-chan Result) []Result {
	var out []Result
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func countKinds(results []Result) map[ResultKind]int {
	out := make(map[ResultKind]int)
	for _, r := range results {
		out[r.Kind]++
	}
	return out
}

func TestEntityRef_Validate(t *testing.T) {
	tests := []struct {
		name string
		ref  EntityRef
		ok   bool
	}{
		{"valid", EntityRef{Name: "Lisbon", URL: "https://nomadlist.com/lisbon"}, true},
		{"no name", EntityRef{Name: "  ", URL: "https://nomadlist.com/x"}, false},
		{"no url", EntityRef{Name: "Lisbon"}, false},
		{"relative", EntityRef{Name: "Lisbon", URL: "/lisbon"}, false},
		{"wrong scheme", EntityRef{Name: "Lisbon", URL: "ftp://nomadlist.com/lisbon"}, false},
		{"unparsable", EntityRef{Name: "Lisbon", URL: "http://[::1"}, false},
		{"negative rank", EntityRef{Name: "Lisbon", URL: "https://nomadlist.com/lisbon", Rank: -1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ref.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, pferrors.IsValidation(err))
		})
	}
}

func TestFetchAll_BoundedWindow(t *testing.T) {
	const window = 3

	var (
		inflight, maxSeen atomic.Int32
		once              sync.Once
		full              = make(chan struct{})
	)
	srv := cityServer(t, func(w http.ResponseWriter, r *http.Request) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		if n >= window {
			once.Do(func() { close(full) })
		}
		select {
		case <-full:
		case <-time.After(2 * time.Second):
		}
		fmt.Fprintf(w, "city:%s", strings.TrimPrefix(r.URL.Path, "/"))
	})

	o := New(Config{}, bodyExtractor, nil, Options{Client: srv.Client()})
	results := collect(o.FetchAll(context.Background(), refs(srv.URL, 10), window))

	require.Len(t, results, 10)
	assert.Equal(t, int32(window), maxSeen.Load())
	assert.Equal(t, 10, countKinds(results)[KindSuccess])
	assert.Equal(t, 0, o.Filtered())
}

func TestFetchAll_FailureIsolation(t *testing.T) {
	srv := cityServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/city-4" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "city:%s", strings.TrimPrefix(r.URL.Path, "/"))
	})

	o := New(Config{}, bodyExtractor, nil, Options{Client: srv.Client()})
	results := collect(o.FetchAll(context.Background(), refs(srv.URL, 10), 3))

	require.Len(t, results, 10)
	kinds := countKinds(results)
	assert.Equal(t, 9, kinds[KindSuccess])
	assert.Equal(t, 1, kinds[KindHTTPFailure])

	for _, r := range results {
		if r.Kind != KindHTTPFailure {
			continue
		}
		assert.Equal(t, "city-4", r.Ref.Name)
		assert.Equal(t, http.StatusInternalServerError, r.StatusCode)
		assert.Equal(t, pferrors.ErrHTTPStatus, pferrors.CodeOf(r.Err))
		assert.Nil(t, r.Record)
	}
}

func TestFetchAll_FiltersInvalidReferences(t *testing.T) {
	srv := cityServer(t, nil)

	in := refs(srv.URL, 2)
	in = append(in,
		EntityRef{Name: "", URL: srv.URL + "/nameless"},
		EntityRef{Name: "Relative", URL: "/relative"},
		EntityRef{Name: "Ftp", URL: "ftp://example.test/x"},
	)

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	o := New(Config{}, bodyExtractor, nil, Options{Client: srv.Client(), Metrics: metrics})
	results := collect(o.FetchAll(context.Background(), in, 2))

	assert.Len(t, results, 2)
	assert.Equal(t, 3, o.Filtered())
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.FetchFiltered))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.FetchRequestsTotal.WithLabelValues(string(KindSuccess))))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.FetchInflight))

	// Filtered reflects the latest call only.
	collect(o.FetchAll(context.Background(), refs(srv.URL, 1), 1))
	assert.Equal(t, 0, o.Filtered())
}

func TestFetchAll_SendsHeaders(t *testing.T) {
	var gotUA, gotAccept atomic.Value
	srv := cityServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
		gotAccept.Store(r.Header.Get("Accept-Language"))
		fmt.Fprint(w, "city:Lisbon")
	})

	cfg := Config{
		UserAgent: "nls-test/1.0",
		Headers:   map[string]string{"Accept-Language": "en-US"},
	}
	o := New(cfg, bodyExtractor, nil, Options{Client: srv.Client()})
	results := collect(o.FetchAll(context.Background(), refs(srv.URL, 1), 1))

	require.Len(t, results, 1)
	assert.Equal(t, "nls-test/1.0", gotUA.Load())
	assert.Equal(t, "en-US", gotAccept.Load())
}

func TestFetchAll_ResultKinds(t *testing.T) {
	srv := cityServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/city-1":
			fmt.Fprint(w, "empty")
		case "/city-2":
			fmt.Fprint(w, "broken")
		case "/city-3":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			fmt.Fprint(w, "city:")
		}
	})

	o := New(Config{}, bodyExtractor, nil, Options{Client: srv.Client()})
	results := collect(o.FetchAll(context.Background(), refs(srv.URL, 4), 4))
	require.Len(t, results, 4)

	byName := make(map[string]Result)
	for _, r := range results {
		byName[r.Ref.Name] = r
	}

	assert.Equal(t, KindEmpty, byName["city-1"].Kind)
	assert.NoError(t, byName["city-1"].Err)
	assert.False(t, byName["city-1"].Failed())

	assert.Equal(t, KindExtractionFailure, byName["city-2"].Kind)
	assert.Equal(t, pferrors.ErrExtraction, pferrors.CodeOf(byName["city-2"].Err))

	assert.Equal(t, KindHTTPFailure, byName["city-3"].Kind)
	assert.Equal(t, pferrors.ErrRateLimit, pferrors.CodeOf(byName["city-3"].Err))

	ok := byName["city-4"]
	require.Equal(t, KindSuccess, ok.Kind)
	assert.Equal(t, "city-4", ok.Record.Name, "name falls back to the reference")
	assert.Equal(t, 4, ok.Record.Rank, "rank falls back to the reference")
	assert.Greater(t, ok.Elapsed, time.Duration(0))
}

func TestFetchAll_Timeout(t *testing.T) {
	srv := cityServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	o := New(Config{Timeout: 50 * time.Millisecond}, bodyExtractor, nil, Options{Client: srv.Client()})
	results := collect(o.FetchAll(context.Background(), refs(srv.URL, 1), 1))

	require.Len(t, results, 1)
	assert.Equal(t, KindHTTPFailure, results[0].Kind)
	assert.Equal(t, pferrors.ErrTimeout, pferrors.CodeOf(results[0].Err))
}

func TestFetchAll_CancelledContextIssuesNothing(t *testing.T) {
	var hits atomic.Int32
	srv := cityServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "city:x")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := New(Config{}, bodyExtractor, nil, Options{Client: srv.Client()})
	results := collect(o.FetchAll(ctx, refs(srv.URL, 5), 2))

	assert.Empty(t, results)
	assert.Equal(t, int32(0), hits.Load())
}

func TestFetchAll_RateLimited(t *testing.T) {
	srv := cityServer(t, nil)

	o := New(Config{RateLimit: 20, Burst: 1}, bodyExtractor, nil, Options{Client: srv.Client()})
	start := time.Now()
	results := collect(o.FetchAll(context.Background(), refs(srv.URL, 4), 4))

	require.Len(t, results, 4)
	// Three waits of 50ms after the initial token.
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
}

func TestFetchAll_WithDetailExtractor(t *testing.T) {
	page := `<html><body><h1 class="city-name">Lisbon</h1>
		<div class="breadcrumb"><a data-type="region">Europe</a><a data-type="country">portugal</a></div>
		<div class="tab-pros-cons"><div class="pro">Sunny</div></div></body></html>`
	srv := cityServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page)
	})

	ex, err := detail.New(srv.URL)
	require.NoError(t, err)
	o := New(Config{}, ex, lookup.NewStatic([]string{"Portugal"}, nil), Options{Client: srv.Client()})

	results := collect(o.FetchAll(context.Background(), []EntityRef{{Name: "Lisbon", URL: srv.URL + "/lisbon", Rank: 5}}, 1))
	require.Len(t, results, 1)
	require.Equal(t, KindSuccess, results[0].Kind)
	assert.Equal(t, "Portugal", results[0].Record.Country)
	assert.Equal(t, 5, results[0].Record.Rank)
	assert.Equal(t, []string{"Sunny"}, results[0].Record.Pros)
}
