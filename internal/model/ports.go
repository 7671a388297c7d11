package model

import "context"

// ── Ports ──
// These interfaces decouple the poller from concrete sources and sinks
// (Angel One REST, Redis, SQLite, the WebSocket hub).

// PositionSource returns raw upstream position records.
type PositionSource interface {
	// Name identifies the source in logs and metric labels.
	Name() string

	// Fetch returns the current set of raw position records.
	Fetch(ctx context.Context) ([]map[string]any, error)
}

// ViewPublisher pushes derived views to downstream consumers.
type ViewPublisher interface {
	PublishViews(ctx context.Context, views []PositionView) error
}

// MarkRecord is one journaled display price.
type MarkRecord struct {
	Exchange     string   `json:"exchange"`
	Token        string   `json:"token"`
	TS           int64    `json:"ts"` // unix millis
	DisplayPrice *float64 `json:"display_price"`
	Source       string   `json:"source"`
	Entry        *float64 `json:"entry,omitempty"`
	Qty          *float64 `json:"qty,omitempty"`
	PnL          *float64 `json:"pnl,omitempty"`
}

// MarkHistory reads journaled display prices.
type MarkHistory interface {
	// History returns up to limit records for exchange:token, newest first.
	History(ctx context.Context, exchange, token string, limit int) ([]MarkRecord, error)
}
