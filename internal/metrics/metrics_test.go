package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/abr/pkg/abr"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_Observer(t *testing.T) {
	m := New()

	low := &abr.Format{Bitrate: 500_000}
	high := &abr.Format{Bitrate: 5_000_000}

	m.OnSwitch(abr.StrategyRateBased, nil, low)
	m.OnSwitch(abr.StrategyRateBased, low, high)
	m.OnSwitch(abr.StrategyBufferBased, high, low)
	m.OnDiscard(abr.StrategyRateBased, 4)
	m.OnPhaseChange(abr.PhaseSteady)

	out := scrape(t, m.Handler(nil))
	assert.Contains(t, out, `abr_switches_total{direction="initial",strategy="rate"} 1`)
	assert.Contains(t, out, `abr_switches_total{direction="up",strategy="rate"} 1`)
	assert.Contains(t, out, `abr_switches_total{direction="down",strategy="buffer"} 1`)
	assert.Contains(t, out, `abr_discards_total{strategy="rate"} 1`)
	assert.Contains(t, out, `abr_discard_queue_size_total{strategy="rate"} 4`)
	assert.Contains(t, out, `abr_phase_changes_total{phase="Steady"} 1`)
}

func TestMetrics_HandlerRefreshesGauges(t *testing.T) {
	m := New()

	calls := 0
	h := m.Handler(func() {
		calls++
		m.SetActiveSessions(3)
	})

	out := scrape(t, h)
	assert.Equal(t, 1, calls)
	assert.Contains(t, out, "abr_active_sessions 3")
}

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.IncSessions(abr.StrategyBufferBased)
	m.IncEvaluations(abr.StrategyBufferBased)
	m.IncEvaluations(abr.StrategyBufferBased)
	m.AddTransfer(1000)
	m.AddTransfer(-1)
	m.IncSimulations(abr.StrategyRateBased)

	out := scrape(t, m.Handler(nil))
	assert.Contains(t, out, `abr_sessions_total{strategy="buffer"} 1`)
	assert.Contains(t, out, `abr_evaluations_total{strategy="buffer"} 2`)
	assert.Contains(t, out, "abr_transfers_total 2")
	assert.Contains(t, out, "abr_transferred_bytes_total 1000")
	assert.Contains(t, out, `abr_simulations_total{strategy="rate"} 1`)
}

func TestRequestMiddleware(t *testing.T) {
	m := New()

	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/bad", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	h := RequestMiddleware(m)(mux)

	for _, path := range []string{"/ok", "/ok", "/bad"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	out := scrape(t, m.Handler(nil))
	assert.Contains(t, out, "abr_requests_total 3")
	assert.Contains(t, out, "abr_errors_total 1")
}

func TestMetrics_SelectorWiring(t *testing.T) {
	m := New()

	formats := []abr.Format{{Bitrate: 2_000_000}, {Bitrate: 500_000}}
	sel, err := abr.New(abr.DefaultConfig(), abr.EstimatorFunc(func() int64 { return abr.NoEstimate }), abr.WithObserver(m))
	require.NoError(t, err)

	ev := abr.NewEvaluation()
	sel.Evaluate(nil, 0, formats, ev)
	require.NotNil(t, ev.Format)

	out := scrape(t, m.Handler(nil))
	assert.Contains(t, out, `abr_switches_total{direction="initial",strategy="rate"} 1`)
}
