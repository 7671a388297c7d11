// Package poller drives the position dashboard: each cycle fetches raw
// records from a PositionSource, derives display prices and fans the resulting
// views out to the publisher and subscribers.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"trading-dashboard/internal/logger"
	"trading-dashboard/internal/metrics"
	"trading-dashboard/internal/model"
	"trading-dashboard/internal/notification"
	"trading-dashboard/internal/positions"
)

const (
	defaultInterval   = 2 * time.Second
	defaultMaxBackoff = time.Minute
	defaultAlertAfter = 3
	alertTimeout      = 5 * time.Second
)

// Config configures a Poller. Source is required; the rest is optional.
type Config struct {
	Source     model.PositionSource
	Publisher  model.ViewPublisher
	Interval   time.Duration
	RatePerSec float64 // upper bound on Source.Fetch calls; <= 0 disables
	Decimals   int
	FieldMap   positions.FieldMap
	MaxBackoff time.Duration

	Metrics *metrics.Metrics
	Health  *metrics.HealthStatus

	// Alerts, if set, is told when AlertAfter consecutive fetches have
	// failed and when fetching recovers.
	Alerts     notification.Notifier
	AlertAfter int
}

// Poller runs the fetch → decode → derive → publish cycle.
type Poller struct {
	cfg     Config
	limiter *rate.Limiter
	now     func() time.Time

	mu      sync.RWMutex
	latest  []model.PositionView
	subs    []chan []model.PositionView
	fails   int
	alerted bool
}

// New validates cfg and returns a Poller.
func New(cfg Config) (*Poller, error) {
	if cfg.Source == nil {
		return nil, errors.New("poller: nil source")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = defaultMaxBackoff
		if cfg.MaxBackoff < cfg.Interval {
			cfg.MaxBackoff = cfg.Interval
		}
	}

	if cfg.AlertAfter <= 0 {
		cfg.AlertAfter = defaultAlertAfter
	}

	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}

	return &Poller{
		cfg:     cfg,
		limiter: lim,
		now:     time.Now,
	}, nil
}

// Subscribe returns a channel receiving every new view set. Sends never
// block: a subscriber that falls behind misses sets. Call before Run.
func (p *Poller) Subscribe(buf int) <-chan []model.PositionView {
	if buf <= 0 {
		buf = 1
	}
	ch := make(chan []model.PositionView, buf)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	return ch
}

// Latest returns the most recent view set, sorted by key.
func (p *Poller) Latest() []model.PositionView {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]model.PositionView, len(p.latest))
	copy(out, p.latest)
	return out
}

// Run polls until ctx is cancelled, then closes subscriber channels.
// Consecutive failures double the wait up to MaxBackoff.
func (p *Poller) Run(ctx context.Context) {
	defer p.closeSubs()

	slog.Info("poller started",
		slog.String("source", p.cfg.Source.Name()),
		slog.Duration("interval", p.cfg.Interval),
	)

	for {
		p.PollOnce(ctx)

		timer := time.NewTimer(p.nextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("poller stopped", slog.String("source", p.cfg.Source.Name()))
			return
		case <-timer.C:
		}
	}
}

// PollOnce runs a single cycle and returns the fetch error, if any.
func (p *Poller) PollOnce(ctx context.Context) error {
	start := p.now()
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID("poll", start))
	src := p.cfg.Source.Name()

	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	records, err := p.cfg.Source.Fetch(ctx)
	if err != nil {
		p.recordFailure(ctx, src, err)
		return fmt.Errorf("fetch %s: %w", src, err)
	}

	ps, skipped := positions.DecodeAll(records, p.cfg.FieldMap)
	if skipped > 0 {
		slog.Warn("records without position key skipped",
			append(logger.LogWithTrace(ctx), slog.Int("skipped", skipped))...)
	}
	views := positions.BuildAll(ps, p.cfg.Decimals, start)

	p.mu.Lock()
	p.latest = views
	p.fails = 0
	recovered := p.alerted
	p.alerted = false
	p.mu.Unlock()

	if recovered {
		p.alert(ctx, notification.Alert{
			Level:   notification.AlertInfo,
			Title:   "position source recovered",
			Message: fmt.Sprintf("%s returned %d positions", src, len(views)),
			TS:      start,
		})
	}

	if m := p.cfg.Metrics; m != nil {
		for _, v := range views {
			m.DerivationsTotal.WithLabelValues(string(v.PriceSource)).Inc()
		}
		m.PositionsOpen.Set(float64(len(views)))
	}

	if p.cfg.Publisher != nil {
		if err := p.cfg.Publisher.PublishViews(ctx, views); err != nil {
			slog.Warn("publish views failed",
				append(logger.LogWithTrace(ctx), slog.String("error", err.Error()))...)
		}
	}
	p.fanOut(views)

	if p.cfg.Health != nil {
		p.cfg.Health.RecordPoll(start, nil)
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.PollDuration.Observe(p.now().Sub(start).Seconds())
	}

	slog.Debug("poll complete",
		append(logger.LogWithTrace(ctx),
			slog.String("source", src),
			slog.Int("positions", len(views)),
		)...)
	return nil
}

func (p *Poller) recordFailure(ctx context.Context, src string, err error) {
	p.mu.Lock()
	p.fails++
	fails := p.fails
	raise := fails == p.cfg.AlertAfter
	if raise {
		p.alerted = true
	}
	p.mu.Unlock()

	if raise {
		p.alert(ctx, notification.Alert{
			Level:   notification.AlertCritical,
			Title:   "position source failing",
			Message: fmt.Sprintf("%s: %d consecutive failures, last: %v", src, fails, err),
			TS:      p.now(),
		})
	}

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.PollErrorsTotal.WithLabelValues(src).Inc()
	}
	if p.cfg.Health != nil {
		p.cfg.Health.RecordPoll(p.now(), err)
	}
	slog.Warn("position fetch failed",
		append(logger.LogWithTrace(ctx),
			slog.String("source", src),
			slog.Int("consecutive_failures", fails),
			slog.String("error", err.Error()),
		)...)
}

func (p *Poller) alert(ctx context.Context, a notification.Alert) {
	if p.cfg.Alerts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, alertTimeout)
	defer cancel()
	if err := p.cfg.Alerts.Send(ctx, a); err != nil {
		slog.Warn("alert delivery failed",
			append(logger.LogWithTrace(ctx), slog.String("error", err.Error()))...)
	}
}

// nextDelay is Interval after a success, doubling per consecutive failure.
func (p *Poller) nextDelay() time.Duration {
	p.mu.RLock()
	fails := p.fails
	p.mu.RUnlock()

	d := p.cfg.Interval
	for i := 0; i < fails && d < p.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > p.cfg.MaxBackoff {
		d = p.cfg.MaxBackoff
	}
	return d
}

func (p *Poller) fanOut(views []model.PositionView) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.subs {
		select {
		case ch <- views:
		default:
		}
	}
}

func (p *Poller) closeSubs() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		close(ch)
	}
	p.subs = nil
}
