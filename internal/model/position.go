package model

import (
	"strings"
	"time"

	"trading-dashboard/internal/markprice"
)

// Position is one upstream position snapshot as the dashboard receives it.
// Numeric fields are nil when the feed did not carry them.
type Position struct {
	Token         string    `json:"token"`
	Exchange      string    `json:"exchange"`
	TradingSymbol string    `json:"trading_symbol,omitempty"`
	ProductType   string    `json:"product_type,omitempty"` // INTRADAY, DELIVERY, CARRYFORWARD
	Side          string    `json:"side,omitempty"`         // buy/long/sell/short as sent upstream
	Mark          *float64  `json:"mark,omitempty"`
	Entry         *float64  `json:"entry,omitempty"`
	Qty           *float64  `json:"qty,omitempty"` // positive = long, negative = short
	Notional      *float64  `json:"notional,omitempty"`
	PnL           *float64  `json:"pnl,omitempty"` // unrealized, quote currency
	UpdatedAt     time.Time `json:"updated_at"`
}

// Key returns a unique key for this position: "exchange:token".
func (p *Position) Key() string {
	return p.Exchange + ":" + p.Token
}

// Inputs returns the fields the price derivation reads.
func (p *Position) Inputs() markprice.Inputs {
	return markprice.Inputs{
		Mark:     p.Mark,
		Entry:    p.Entry,
		Quantity: p.Qty,
		Notional: p.Notional,
		PnL:      p.PnL,
		Side:     p.Side,
	}
}

// PositionView is a dashboard row: the position plus its display price.
type PositionView struct {
	Position
	ID           string           `json:"key"` // exchange:token
	DisplayPrice *float64         `json:"display_price"` // null when nothing could be derived
	DisplayText  string           `json:"display_text"`  // "-" when DisplayPrice is null
	PriceSource  markprice.Source `json:"price_source"`
	TS           time.Time        `json:"ts"`
}

// Channel returns the PubSub / WebSocket channel this view is published on.
func (v *PositionView) Channel() string {
	return ChannelForKey(v.Exchange + ":" + v.Token)
}

// PositionChannelPrefix prefixes every per-position channel.
const PositionChannelPrefix = "pub:position:"

// ChannelForKey returns the channel for an "exchange:token" key.
func ChannelForKey(key string) string {
	return PositionChannelPrefix + key
}

// KeyForChannel is the inverse of ChannelForKey. ok is false for channels
// that are not per-position.
func KeyForChannel(channel string) (key string, ok bool) {
	if !strings.HasPrefix(channel, PositionChannelPrefix) {
		return "", false
	}
	key = channel[len(PositionChannelPrefix):]
	return key, key != ""
}

// PositionClosed is published on a position's channel once it leaves the book.
type PositionClosed struct {
	Key    string `json:"key"`
	Closed bool   `json:"closed"`
}
