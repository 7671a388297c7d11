package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"trading-dashboard/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// Writer publishes derived position views: the full set goes into the
// ViewPositionsKey hash, and each row is published on its own channel
// (pub:position:<exchange>:<token>) for gateways running in other processes.
type Writer struct {
	client  *goredis.Client
	breaker *CircuitBreaker
	ttl     time.Duration
}

// NewWriter wraps client. ttl > 0 expires the view hash if publishing stops.
func NewWriter(client *goredis.Client, breaker *CircuitBreaker, ttl time.Duration) *Writer {
	if breaker == nil {
		breaker = NewCircuitBreaker(5, 10*time.Second)
	}
	return &Writer{client: client, breaker: breaker, ttl: ttl}
}

// Breaker returns the circuit breaker guarding writes.
func (w *Writer) Breaker() *CircuitBreaker { return w.breaker }

// PublishViews replaces the stored view set with views and publishes each
// row. Rows that disappeared since the last call are removed from the hash
// and a model.PositionClosed marker is published on their channel.
func (w *Writer) PublishViews(ctx context.Context, views []model.PositionView) error {
	payloads := make(map[string][]byte, len(views))
	for _, v := range views {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal view %s: %w", v.ID, err)
		}
		payloads[v.ID] = b
	}

	err := w.breaker.Execute(func() error {
		existing, err := w.client.HKeys(ctx, ViewPositionsKey).Result()
		if err != nil && err != goredis.Nil {
			return fmt.Errorf("hkeys %s: %w", ViewPositionsKey, err)
		}
		stale := staleFields(existing, payloads)

		_, err = w.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
			if len(stale) > 0 {
				pipe.HDel(ctx, ViewPositionsKey, stale...)
			}
			for _, key := range stale {
				b, _ := json.Marshal(model.PositionClosed{Key: key, Closed: true})
				pipe.Publish(ctx, model.ChannelForKey(key), b)
			}
			for _, v := range views {
				b := payloads[v.ID]
				pipe.HSet(ctx, ViewPositionsKey, v.ID, b)
				pipe.Publish(ctx, v.Channel(), b)
			}
			if w.ttl > 0 && len(views) > 0 {
				pipe.Expire(ctx, ViewPositionsKey, w.ttl)
			}
			return nil
		})
		return err
	})
	if err != nil {
		log.Printf("[redis] publish %d views: %v", len(views), err)
		return err
	}
	return nil
}

// LatestViews reads the stored view set, ordered by key.
func (w *Writer) LatestViews(ctx context.Context) ([]model.PositionView, error) {
	all, err := w.client.HGetAll(ctx, ViewPositionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", ViewPositionsKey, err)
	}
	out := make([]model.PositionView, 0, len(all))
	for field, raw := range all {
		var v model.PositionView
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			log.Printf("[redis] skip view %s: %v", field, err)
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func staleFields(existing []string, keep map[string][]byte) []string {
	var stale []string
	for _, f := range existing {
		if _, ok := keep[f]; !ok {
			stale = append(stale, f)
		}
	}
	sort.Strings(stale)
	return stale
}
