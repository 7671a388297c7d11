package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trading-dashboard/config"
	"trading-dashboard/internal/gateway"
	"trading-dashboard/internal/logger"
	"trading-dashboard/internal/metrics"
	"trading-dashboard/internal/model"
	"trading-dashboard/internal/notification"
	"trading-dashboard/internal/poller"
	"trading-dashboard/internal/positions"
	redisstore "trading-dashboard/internal/store/redis"
	sqlitestore "trading-dashboard/internal/store/sqlite"
	"trading-dashboard/pkg/smartconnect"

	goredis "github.com/go-redis/redis/v8"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg := config.Load()
	logger.Init("dashboard", logger.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[dashboard] config: %v", err)
	}

	fm, err := positions.LoadFieldMap(cfg.FieldMapPath)
	if err != nil {
		log.Fatalf("[dashboard] field map: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Metrics & health ---
	m := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus(cfg.PositionSource, 5*cfg.PollInterval)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, nil, health)
	metricsSrv.Start()

	// --- Redis ---
	rdb, err := redisstore.Connect(redisstore.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		if cfg.PositionSource == config.SourceRedis {
			log.Fatalf("[dashboard] %v", err)
		}
		log.Printf("[dashboard] WARNING: running without Redis: %v", err)
		rdb = nil
	}
	health.SetRedisEnabled(rdb != nil)

	var publisher model.ViewPublisher
	if rdb != nil {
		breaker := redisstore.NewCircuitBreaker(5, 10*time.Second)
		breaker.OnStateChange = func(from, to redisstore.State) {
			log.Printf("[redis] circuit breaker %s -> %s", from, to)
			m.RedisCircuitBreakerState.Set(float64(to))
			if to == redisstore.StateOpen {
				m.RedisCircuitBreakerTrips.Inc()
			}
		}
		publisher = redisstore.NewWriter(rdb, breaker, 10*cfg.PollInterval)
	}

	// --- SQLite journal ---
	journal, err := sqlitestore.Open(sqlitestore.JournalConfig{
		DBPath: cfg.SQLitePath,
		OnCommit: func(rows int, took time.Duration) {
			m.JournalCommitDur.Observe(took.Seconds())
		},
	})
	if err != nil {
		log.Fatalf("[dashboard] %v", err)
	}
	defer journal.Close()
	health.SetSQLiteOK(true)
	health.StartLivenessChecker(ctx, rdb, journal.DB(), 10*time.Second)

	// --- Position source & alerts ---
	source := buildSource(cfg, rdb)
	alerts := buildNotifier(cfg)

	p, err := poller.New(poller.Config{
		Source:     source,
		Publisher:  publisher,
		Interval:   cfg.PollInterval,
		RatePerSec: cfg.PollRatePerSec,
		Decimals:   cfg.PriceDecimals,
		FieldMap:   fm,
		Metrics:    m,
		Health:     health,
		Alerts:     alerts,
		AlertAfter: cfg.AlertAfter,
	})
	if err != nil {
		log.Fatalf("[dashboard] %v", err)
	}

	// --- Gateway ---
	// By default views reach the hub in-process. With GATEWAY_REDIS_SUBSCRIBE
	// the hub follows pub:position:* instead, which also carries views
	// published by other dashboard instances.
	if cfg.GatewayRedisSubscribe && rdb == nil {
		log.Fatalf("[dashboard] GATEWAY_REDIS_SUBSCRIBE needs Redis at %s", cfg.RedisAddr)
	}
	hub := gateway.NewHub(rdb)
	hub.OnClientCount = func(n int) { m.WSClients.Set(float64(n)) }
	hub.OnEmit = func(lag time.Duration) { m.BroadcastLag.Observe(lag.Seconds()) }

	journalDone := make(chan struct{})
	go func() {
		journal.Run(ctx, p.Subscribe(4))
		close(journalDone)
	}()
	if cfg.GatewayRedisSubscribe {
		go hub.Run(ctx)
	} else {
		go hub.Consume(ctx, p.Subscribe(4))
	}
	go notification.NewPriceWatcher(alerts).Run(ctx, p.Subscribe(4))
	go p.Run(ctx)

	mux := http.NewServeMux()
	routes := &gateway.Routes{
		Hub:      hub,
		Views:    p,
		History:  journal,
		Decimals: cfg.PriceDecimals,
		Started:  time.Now(),
	}
	routes.Register(mux)

	srv := &http.Server{
		Addr:              cfg.GatewayAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("gateway listening", slog.String("addr", cfg.GatewayAddr))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[dashboard] http server: %v", err)
		}
	}()

	// --- Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", slog.String("signal", sig.String()))

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
	if angel, ok := source.(*poller.AngelSource); ok {
		if err := angel.Logout(shutdownCtx); err != nil {
			log.Printf("[dashboard] %v", err)
		}
	}
	if rdb != nil {
		rdb.Close()
	}
	select {
	case <-journalDone:
	case <-shutdownCtx.Done():
		log.Printf("[dashboard] journal did not flush before timeout")
	}
	slog.Info("stopped")
}

func buildSource(cfg *config.Config, rdb *goredis.Client) model.PositionSource {
	switch cfg.PositionSource {
	case config.SourceAngel:
		sc := smartconnect.NewSmartConnect(smartconnect.Config{APIKey: cfg.AngelAPIKey})
		return poller.NewAngelSource(sc, poller.AngelCredentials{
			ClientCode: cfg.AngelClientCode,
			Password:   cfg.AngelPassword,
			TOTPSecret: cfg.AngelTOTPSecret,
		})
	default:
		return redisstore.NewReader(rdb, redisstore.RawPositionsKey)
	}
}

func buildNotifier(cfg *config.Config) notification.Notifier {
	n := notification.Multi{notification.NewLogNotifier()}
	if cfg.AlertWebhookURL != "" {
		n = append(n, notification.NewWebhookNotifier(cfg.AlertWebhookURL))
	}
	if cfg.TelegramBotToken != "" {
		n = append(n, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	return n
}
