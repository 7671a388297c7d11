package positions

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"trading-dashboard/internal/model"
)

// ErrNoKey is returned when a record carries no usable token.
var ErrNoKey = errors.New("position record has no token")

// Decode maps one raw record onto a model.Position using fm.
// Numeric fields that are missing, empty or unparsable are left nil; the
// price derivation decides what to do with them.
func Decode(raw map[string]any, fm FieldMap) (model.Position, error) {
	p := model.Position{
		Token:         lookupString(raw, fm.Token),
		Exchange:      lookupString(raw, fm.Exchange),
		TradingSymbol: lookupString(raw, fm.Symbol),
		ProductType:   lookupString(raw, fm.Product),
		Side:          lookupSide(raw, fm.Side),
		Mark:          lookupFloat(raw, fm.Mark),
		Entry:         lookupFloat(raw, fm.Entry),
		Qty:           lookupFloat(raw, fm.Qty),
		Notional:      lookupFloat(raw, fm.Notional),
		PnL:           lookupFloat(raw, fm.PnL),
		UpdatedAt:     lookupTime(raw, fm.Updated),
	}
	if p.Token == "" {
		return p, ErrNoKey
	}
	return p, nil
}

// DecodeAll decodes every record, skipping the ones Decode rejects.
// The result is sorted by key; skipped counts the rejected records.
func DecodeAll(records []map[string]any, fm FieldMap) (out []model.Position, skipped int) {
	out = make([]model.Position, 0, len(records))
	for _, raw := range records {
		p, err := Decode(raw, fm)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, skipped
}

func lookup(raw map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// lookupSide returns the side string exactly as sent. Only a bare "buy",
// "long", "sell" or "short" (any case) counts as a direction.
func lookupSide(raw map[string]any, keys []string) string {
	v, _ := lookup(raw, keys)
	s, _ := v.(string)
	return s
}

func lookupString(raw map[string]any, keys []string) string {
	v, ok := lookup(raw, keys)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case fmt.Stringer:
		return t.String()
	}
	return ""
}

// lookupFloat returns the first candidate key that holds a number.
// Brokers send numbers as JSON strings ("612.40"), so strings are parsed too.
func lookupFloat(raw map[string]any, keys []string) *float64 {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		if f, ok := toFloat(v); ok {
			return &f
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(t), ",", "")
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

// lookupTime accepts RFC3339 strings or unix timestamps in milliseconds.
func lookupTime(raw map[string]any, keys []string) time.Time {
	v, ok := lookup(raw, keys)
	if !ok {
		return time.Time{}
	}
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC()
		}
	}
	if ms, ok := toFloat(v); ok && ms > 0 {
		return time.UnixMilli(int64(ms)).UTC()
	}
	return time.Time{}
}
