package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersOnCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.DerivationsTotal.WithLabelValues("quantity").Add(3)
	m.DerivationsTotal.WithLabelValues("none").Inc()
	m.PositionsOpen.Set(4)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.DerivationsTotal.WithLabelValues("quantity")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.PositionsOpen))

	// A second set on a fresh registry must not panic.
	assert.NotPanics(t, func() { NewMetrics(prometheus.NewRegistry()) })
}

func TestServer_ExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.WSClients.Set(2)
	m.BroadcastLag.Observe(0.02)

	srv := NewServer(":0", reg, NewHealthStatus("redis", 0))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "markprice_ws_clients 2"))
	assert.True(t, strings.Contains(rec.Body.String(), "markprice_ws_broadcast_lag_seconds_count 1"))
}

func healthz(t *testing.T, h *HealthStatus) (int, healthReport) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var rep healthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	return rec.Code, rep
}

func TestHealthStatus(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		setup      func(h *HealthStatus)
		wantCode   int
		wantStatus string
	}{
		{
			name:       "no poll yet",
			setup:      func(h *HealthStatus) { h.SetSQLiteOK(true) },
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
		},
		{
			name: "fresh poll",
			setup: func(h *HealthStatus) {
				h.SetSQLiteOK(true)
				h.RecordPoll(base.Add(-time.Second), nil)
			},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name: "stale poll",
			setup: func(h *HealthStatus) {
				h.SetSQLiteOK(true)
				h.RecordPoll(base.Add(-time.Minute), nil)
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
		},
		{
			name: "redis enabled but down",
			setup: func(h *HealthStatus) {
				h.SetSQLiteOK(true)
				h.SetRedisEnabled(true)
				h.RecordPoll(base, nil)
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
		},
		{
			name:       "nothing works",
			setup:      func(h *HealthStatus) {},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthStatus("angel", 10*time.Second)
			h.now = func() time.Time { return base }
			tt.setup(h)
			code, rep := healthz(t, h)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStatus, rep.Status)
			assert.Equal(t, "angel", rep.Source)
		})
	}
}

func TestHealthStatus_PollErrorKeepsLastSuccess(t *testing.T) {
	h := NewHealthStatus("redis", 0)
	ok := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	h.RecordPoll(ok, nil)
	h.RecordPoll(ok.Add(time.Second), errors.New("hgetall: timeout"))

	_, rep := healthz(t, h)
	assert.Equal(t, ok.Format(time.RFC3339), rep.LastPollTime)
	assert.Equal(t, "hgetall: timeout", rep.LastPollError)
}
