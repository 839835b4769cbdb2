package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordFetch("success", 0.2)
	m.RecordFetch("http_failure", 0.1)
	m.RecordFetch("success", 0.3)
	m.RecordPersist(PersistStatusOK, 0.01)
	m.FetchInflight.Inc()
	m.FetchFiltered.Add(2)
	m.RecordRun(RunStatusCompleted, 10, 8, 1, 1, 1700000000)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FetchRequestsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchRequestsTotal.WithLabelValues("http_failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistTotal.WithLabelValues(PersistStatusOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchInflight))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FetchFiltered))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.RunCities.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues(RunStatusCompleted)))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"nls_fetch_requests_total",
		"nls_fetch_duration_seconds",
		"nls_fetch_inflight",
		"nls_persist_total",
		"nls_persist_duration_seconds",
		"nls_runs_total",
	} {
		assert.True(t, names[want], "missing %s", want)
	}
}

func TestNewNopMetrics_Independent(t *testing.T) {
	// Two sets must not collide on registration.
	a := NewNopMetrics()
	b := NewNopMetrics()
	a.RecordPersist(PersistStatusFailed, 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.PersistTotal.WithLabelValues(PersistStatusFailed)))
}

func TestTracer_NoopProvider(t *testing.T) {
	tr := NewTracer()
	ctx, span := tr.StartRunSpan(context.Background(), "run-1", 10, 3)
	defer span.End()

	_, fetchSpan := tr.StartFetchSpan(ctx, "Lisbon", "https://example.test/lisbon")
	h := NewSpanHelper(fetchSpan)
	h.SetStatusCode(200)
	h.SetResultKind("success")
	h.SetError(errors.New("boom"), "transport", true)
	h.SetSuccess()
	fetchSpan.End()

	// The global provider is a no-op until one is installed.
	assert.Empty(t, GetTraceID(ctx))
}
