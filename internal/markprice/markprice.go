// Package markprice derives a best-effort display price for a position when
// the upstream feed has no usable mark price.
//
// The derivation inverts the unrealized P&L identity
//
//	pnl = signedQty * (mark - entry)
//
// to recover mark = entry + pnl/signedQty. Every function here is pure and
// safe for concurrent use.
package markprice

import (
	"math"
	"strings"
)

// Source names the branch that produced a price.
type Source string

const (
	SourceNone     Source = "none"     // no price could be derived
	SourceMark     Source = "mark"     // upstream mark price used as-is
	SourceQuantity Source = "quantity" // derived from explicit signed quantity
	SourceNotional Source = "notional" // derived from notional / entry
)

// Inputs is a snapshot of the position fields the derivation looks at.
// A nil pointer means the field was absent upstream.
type Inputs struct {
	Mark     *float64 `json:"mark,omitempty"`
	Entry    *float64 `json:"entry,omitempty"`
	Quantity *float64 `json:"quantity,omitempty"`
	Notional *float64 `json:"notional,omitempty"`
	PnL      *float64 `json:"pnl,omitempty"`
	Side     string   `json:"side,omitempty"`
}

// Result is the outcome of Resolve.
type Result struct {
	Price  float64 `json:"price"`
	Source Source  `json:"source"`
	OK     bool    `json:"ok"`
}

// Float returns a pointer to v, for building Inputs literals.
func Float(v float64) *float64 { return &v }

// Derive returns the display price and true, or 0 and false when no price
// can be derived from in.
func Derive(in Inputs) (float64, bool) {
	r := Resolve(in)
	return r.Price, r.OK
}

// Resolve runs the derivation and reports which branch produced the price.
func Resolve(in Inputs) Result {
	if mark, ok := usable(in.Mark); ok {
		return Result{Price: math.Abs(mark), Source: SourceMark, OK: true}
	}

	entry, ok := usable(in.Entry)
	if !ok {
		return none()
	}
	entry = math.Abs(entry)

	qty, src, ok := signedQuantity(in, entry)
	if !ok {
		return none()
	}

	if in.PnL == nil || !finite(*in.PnL) {
		return none()
	}

	derived := entry + *in.PnL/qty
	if !finite(derived) || derived <= 0 {
		return none()
	}
	return Result{Price: math.Abs(derived), Source: src, OK: true}
}

// Direction maps a trade side to +1 (buy/long), -1 (sell/short) or 0 when the
// side is absent or unrecognised.
func Direction(side string) int {
	switch strings.ToLower(side) {
	case "buy", "long":
		return 1
	case "sell", "short":
		return -1
	}
	return 0
}

func signedQuantity(in Inputs, entry float64) (float64, Source, bool) {
	if qty, ok := usable(in.Quantity); ok {
		return qty, SourceQuantity, true
	}

	notional, ok := usable(in.Notional)
	if !ok {
		return 0, SourceNone, false
	}
	magnitude := math.Abs(notional) / entry
	if !finite(magnitude) || magnitude == 0 {
		return 0, SourceNone, false
	}

	dir := Direction(in.Side)
	if dir == 0 {
		dir = 1
		if notional < 0 {
			dir = -1
		}
	}

	qty := magnitude * float64(dir)
	if !finite(qty) || qty == 0 {
		return 0, SourceNone, false
	}
	return qty, SourceNotional, true
}

// usable reports whether p holds a finite nonzero value.
func usable(p *float64) (float64, bool) {
	if p == nil || !finite(*p) || *p == 0 {
		return 0, false
	}
	return *p, true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func none() Result {
	return Result{Source: SourceNone}
}
