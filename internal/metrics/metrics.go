package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the position dashboard.
type Metrics struct {
	// Derivation outcomes, labels: source=mark|quantity|notional|none
	DerivationsTotal *prometheus.CounterVec
	PositionsOpen    prometheus.Gauge

	// Poller, labels: source=redis|angel
	PollDuration    prometheus.Histogram
	PollErrorsTotal *prometheus.CounterVec

	// Gateway
	WSClients    prometheus.Gauge
	BroadcastLag prometheus.Histogram // view ts to WebSocket fan-out

	// Stores
	JournalCommitDur         prometheus.Histogram
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// means prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		DerivationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "markprice_derivations_total",
			Help: "Display price derivations by winning branch",
		}, []string{"source"}),
		PositionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "markprice_positions_open",
			Help: "Positions in the latest poll",
		}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "markprice_poll_duration_seconds",
			Help:    "Fetch + derive + publish latency per poll cycle",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		PollErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "markprice_poll_errors_total",
			Help: "Failed position fetches by source",
		}, []string{"source"}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "markprice_ws_clients",
			Help: "Connected WebSocket clients",
		}),
		BroadcastLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "markprice_ws_broadcast_lag_seconds",
			Help:    "Delay between a view's timestamp and its WebSocket broadcast",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		JournalCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "markprice_journal_commit_duration_seconds",
			Help:    "SQLite journal batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "markprice_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "markprice_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
	}

	reg.MustRegister(
		m.DerivationsTotal,
		m.PositionsOpen,
		m.PollDuration,
		m.PollErrorsTotal,
		m.WSClients,
		m.BroadcastLag,
		m.JournalCommitDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	Source         string
	LastPollTime   time.Time
	LastPollErr    string
	RedisEnabled   bool
	RedisConnected bool
	SQLiteOK       bool

	// Liveness probe results
	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time

	// A poll older than this marks the service degraded. Zero disables.
	StaleAfter time.Duration
	now        func() time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus(source string, staleAfter time.Duration) *HealthStatus {
	return &HealthStatus{
		Source:     source,
		StaleAfter: staleAfter,
		StartedAt:  time.Now(),
		now:        time.Now,
	}
}

// RecordPoll stores the outcome of a poll cycle.
func (h *HealthStatus) RecordPoll(t time.Time, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.LastPollErr = err.Error()
		return
	}
	h.LastPollTime = t
	h.LastPollErr = ""
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Either probe target
// may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if sqlDB != nil {
			h.CheckSQLite(probeCtx, sqlDB)
		}
	}

	go func() {
		probe()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probe()
			}
		}
	}()
}

type healthReport struct {
	Status          string  `json:"status"`
	Uptime          string  `json:"uptime"`
	Source          string  `json:"source"`
	LastPollTime    string  `json:"last_poll_time"`
	PollAge         string  `json:"poll_age"`
	LastPollError   string  `json:"last_poll_error,omitempty"`
	RedisConnected  bool    `json:"redis_connected"`
	RedisLatencyMs  float64 `json:"redis_latency_ms"`
	SQLiteOK        bool    `json:"sqlite_ok"`
	SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
	LastCheckAt     string  `json:"last_check_at"`
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.now()
	pollStale := h.LastPollTime.IsZero() ||
		(h.StaleAfter > 0 && now.Sub(h.LastPollTime) > h.StaleAfter)
	redisDown := h.RedisEnabled && !h.RedisConnected

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if pollStale || redisDown || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if pollStale && !h.SQLiteOK {
		overallStatus = "unhealthy"
	}

	pollAge := ""
	lastPoll := ""
	if !h.LastPollTime.IsZero() {
		pollAge = now.Sub(h.LastPollTime).Round(time.Millisecond).String()
		lastPoll = h.LastPollTime.Format(time.RFC3339)
	}

	report := healthReport{
		Status:          overallStatus,
		Uptime:          now.Sub(h.StartedAt).Round(time.Second).String(),
		Source:          h.Source,
		LastPollTime:    lastPoll,
		PollAge:         pollAge,
		LastPollError:   h.LastPollErr,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(report)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server. A nil gatherer means
// prometheus.DefaultGatherer.
func NewServer(addr string, gatherer prometheus.Gatherer, health *HealthStatus) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's mux.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
