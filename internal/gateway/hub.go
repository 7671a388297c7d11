package gateway

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"trading-dashboard/internal/model"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
)

const defaultReplayCap = 500 // envelopes kept per channel

// Hub manages WebSocket clients and fans position views out to them.
// Views arrive either in-process (Consume) or, when Rdb is set, from the
// pub:position:* PubSub channels written by another process.
//   - PubSubRouter: Redis subscription + message routing
//   - Broadcaster: envelope construction + client-filtered fan-out
type Hub struct {
	Rdb *goredis.Client

	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string]latestEntry
	seq     int64

	// Per-channel monotonic sequence numbers for gap detection
	channelSeqs map[string]int64

	// Per-channel replay buffers for gap backfill
	replayBufs map[string]*ReplayBuffer
	replayCap  int

	// OnClientCount, if set, is called after every connect and disconnect.
	OnClientCount func(n int)
	// OnEmit, if set, observes the lag between a view's ts and its broadcast.
	OnEmit func(lag time.Duration)

	Router      *PubSubRouter
	Broadcaster *Broadcaster
}

type latestEntry struct {
	Data json.RawMessage
	TS   time.Time
	Seq  int64 // per-channel seq for gap detection
}

// NewHub creates a Hub. rdb may be nil when views only arrive via Consume.
func NewHub(rdb *goredis.Client) *Hub {
	h := &Hub{
		Rdb:         rdb,
		clients:     make(map[*Client]bool),
		latest:      make(map[string]latestEntry),
		channelSeqs: make(map[string]int64),
		replayBufs:  make(map[string]*ReplayBuffer),
		replayCap:   defaultReplayCap,
	}
	h.Router = NewPubSubRouter(h)
	h.Broadcaster = NewBroadcaster(h)
	return h
}

// Run starts the PubSub subscription loop when Rdb is set, otherwise it just
// waits. Blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	if h.Rdb == nil {
		<-ctx.Done()
		return
	}
	h.Router.RunPattern(ctx)
}

// Consume broadcasts every view set received on viewCh. Positions missing
// from a set are closed. Blocks until ctx is cancelled or viewCh is closed.
func (h *Hub) Consume(ctx context.Context, viewCh <-chan []model.PositionView) {
	for {
		select {
		case <-ctx.Done():
			return
		case views, ok := <-viewCh:
			if !ok {
				return
			}
			h.PublishViews(views)
		}
	}
}

// PublishViews broadcasts each view on its channel and closes channels whose
// position is no longer present.
func (h *Hub) PublishViews(views []model.PositionView) {
	present := make(map[string]bool, len(views))
	for i := range views {
		v := &views[i]
		data, err := json.Marshal(v)
		if err != nil {
			log.Printf("[gateway] marshal view %s: %v", v.ID, err)
			continue
		}
		ch := v.Channel()
		present[ch] = true
		h.Broadcaster.Broadcast(ch, data)
		h.observeLag(v.TS)
	}

	for _, ch := range h.positionChannels() {
		if !present[ch] {
			h.closeChannel(ch)
		}
	}
}

// route handles a message from Redis PubSub.
func (h *Hub) route(channel string, payload []byte) {
	var msg struct {
		model.PositionClosed
		TS time.Time `json:"ts"`
	}
	if json.Unmarshal(payload, &msg) == nil && msg.Closed {
		h.closeChannel(channel)
		return
	}
	h.Broadcaster.Broadcast(channel, payload)
	h.observeLag(msg.TS)
}

func (h *Hub) observeLag(ts time.Time) {
	if h.OnEmit != nil && !ts.IsZero() {
		h.OnEmit(time.Since(ts))
	}
}

// closeChannel drops the channel from the snapshot and tells clients.
func (h *Hub) closeChannel(channel string) {
	key, ok := model.KeyForChannel(channel)
	if !ok {
		return
	}
	h.mu.Lock()
	_, known := h.latest[channel]
	delete(h.latest, channel)
	h.mu.Unlock()
	if !known {
		return
	}

	data, _ := json.Marshal(model.PositionClosed{Key: key, Closed: true})
	h.Broadcaster.send(channel, data)
}

func (h *Hub) positionChannels() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.latest))
	for ch := range h.latest {
		if _, ok := model.KeyForChannel(ch); ok {
			out = append(out, ch)
		}
	}
	sort.Strings(out)
	return out
}

// HandleWSRequest registers an upgraded connection and starts its pumps.
// lastTS (RFC3339Nano) limits the initial snapshot to newer entries.
func (h *Hub) HandleWSRequest(conn *websocket.Conn, lastTS string) {
	client := newClient(h, conn)
	conn.EnableWriteCompression(true)

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("[gateway] ws client connected (%d total)", count)
	if h.OnClientCount != nil {
		h.OnClientCount(count)
	}

	client.sendInitialState(lastTS)
	go client.writePump()
	go client.readPump()
}

// RemoveClient removes a client from the hub.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	close(c.send)
	h.mu.Unlock()

	if h.OnClientCount != nil {
		h.OnClientCount(count)
	}
}

// GetLatestAll returns a snapshot of the latest payload per channel.
func (h *Hub) GetLatestAll() map[string]json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cp := make(map[string]json.RawMessage, len(h.latest))
	for k, v := range h.latest {
		cp[k] = v.Data
	}
	return cp
}

// GetReplayRange returns buffered envelopes for a channel in [fromSeq, toSeq].
// Used by the /api/missed REST endpoint for client gap backfill.
func (h *Hub) GetReplayRange(channel string, fromSeq, toSeq int64) [][]byte {
	h.mu.RLock()
	rb, exists := h.replayBufs[channel]
	h.mu.RUnlock()
	if !exists {
		return nil
	}
	return rb.Range(fromSeq, toSeq)
}

// GetChannelSeq returns the current sequence number for a channel.
func (h *Hub) GetChannelSeq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channelSeqs[channel]
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
