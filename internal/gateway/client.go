package gateway

import (
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"trading-dashboard/internal/model"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 256
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	maxMsgSize   = 4096
)

// Client represents a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	// Position keys ("exchange:token") the client asked for. Empty means all.
	subMu sync.RWMutex
	keys  map[string]bool
}

// clientMsg is any message a client sends.
//
//	{"type":"SUBSCRIBE","keys":["NSE:2885"]}
//	{"type":"UNSUBSCRIBE","keys":["NSE:2885"]}
//	{"ping":1700000000000}
type clientMsg struct {
	Type string   `json:"type"`
	Keys []string `json:"keys"`
	Ping int64    `json:"ping"`
}

type snapshotEnvelope struct {
	Channel    string          `json:"channel"`
	Data       json.RawMessage `json:"data"`
	TS         string          `json:"ts"`
	ChannelSeq int64           `json:"channel_seq"`
	Initial    bool            `json:"initial"`
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  h,
		keys: make(map[string]bool),
	}
}

// sendInitialState queues the latest payload of every channel, in channel
// order, skipping entries not newer than lastTS.
func (c *Client) sendInitialState(lastTS string) {
	var cutoff time.Time
	if lastTS != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, lastTS); err == nil {
			cutoff = parsed
		}
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()

	channels := make([]string, 0, len(c.hub.latest))
	for ch := range c.hub.latest {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	for _, channel := range channels {
		entry := c.hub.latest[channel]
		if !cutoff.IsZero() && !entry.TS.After(cutoff) {
			continue
		}
		envelope, _ := json.Marshal(snapshotEnvelope{
			Channel:    channel,
			Data:       entry.Data,
			TS:         entry.TS.Format(time.RFC3339Nano),
			ChannelSeq: entry.Seq,
			Initial:    true,
		})
		select {
		case c.send <- envelope:
		default:
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			// Coalesce queued messages into one frame, newline separated
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		log.Println("[gateway] ws client disconnected")
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleMessage(raw)
	}
}

func (c *Client) handleMessage(raw []byte) {
	var msg clientMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.reply(map[string]any{"type": "error", "message": "invalid JSON"})
		return
	}

	switch msg.Type {
	case "SUBSCRIBE":
		if len(msg.Keys) == 0 {
			c.reply(map[string]any{"type": "error", "message": "keys are required"})
			return
		}
		c.subscribe(msg.Keys)
		c.reply(map[string]any{"type": "subscribed", "keys": c.subscribedKeys()})

	case "UNSUBSCRIBE":
		c.unsubscribe(msg.Keys)
		c.reply(map[string]any{"type": "subscribed", "keys": c.subscribedKeys()})

	default:
		if msg.Ping > 0 {
			c.reply(map[string]any{
				"type":      "pong",
				"ping":      msg.Ping,
				"server_ts": time.Now().UnixMilli(),
			})
		}
	}
}

func (c *Client) reply(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (c *Client) subscribe(keys []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, k := range keys {
		if k != "" {
			c.keys[k] = true
		}
	}
}

func (c *Client) unsubscribe(keys []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, k := range keys {
		delete(c.keys, k)
	}
}

func (c *Client) subscribedKeys() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	out := make([]string, 0, len(c.keys))
	for k := range c.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// matchesChannel reports whether the client should receive a message on
// channel. Clients without subscriptions receive everything, as do
// non-position channels.
func (c *Client) matchesChannel(channel string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	if len(c.keys) == 0 {
		return true
	}
	key, ok := model.KeyForChannel(channel)
	if !ok {
		return true
	}
	return c.keys[key]
}
