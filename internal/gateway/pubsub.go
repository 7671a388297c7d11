package gateway

import (
	"context"
	"log"

	"trading-dashboard/internal/model"
)

// PubSubRouter subscribes to the per-position Redis channels and routes
// messages into the hub.
type PubSubRouter struct {
	hub *Hub
}

// NewPubSubRouter creates a PubSubRouter backed by the given Hub.
func NewPubSubRouter(hub *Hub) *PubSubRouter {
	return &PubSubRouter{hub: hub}
}

// RunPattern subscribes to pub:position:* and routes messages.
// Blocks until ctx is cancelled.
func (r *PubSubRouter) RunPattern(ctx context.Context) {
	pattern := model.PositionChannelPrefix + "*"
	pubsub := r.hub.Rdb.PSubscribe(ctx, pattern)
	defer pubsub.Close()

	log.Printf("[gateway] subscribed to %s", pattern)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.hub.route(msg.Channel, []byte(msg.Payload))
		}
	}
}
