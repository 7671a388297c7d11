// Package positions turns raw upstream position records into dashboard views.
//
// Upstream feeds disagree on key names (Angel One SmartAPI sends "avgnetprice"
// and "unrealised", futures venues send "entryPrice" and "unRealizedProfit").
// A FieldMap lists the candidate keys for every field; the first key present in
// a record wins.
package positions

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FieldMap lists candidate raw keys for each position field, in priority order.
type FieldMap struct {
	Token    []string `yaml:"token"`
	Exchange []string `yaml:"exchange"`
	Symbol   []string `yaml:"symbol"`
	Product  []string `yaml:"product"`
	Side     []string `yaml:"side"`
	Mark     []string `yaml:"mark"`
	Entry    []string `yaml:"entry"`
	Qty      []string `yaml:"qty"`
	Notional []string `yaml:"notional"`
	PnL      []string `yaml:"pnl"`
	Updated  []string `yaml:"updated"`
}

// DefaultFieldMap covers Angel One getPosition rows and the common futures
// venue spellings.
func DefaultFieldMap() FieldMap {
	return FieldMap{
		Token:    []string{"symboltoken", "token", "symbol_token", "symbol"},
		Exchange: []string{"exchange", "exch_seg", "venue"},
		Symbol:   []string{"tradingsymbol", "trading_symbol", "symbolname", "symbol"},
		Product:  []string{"producttype", "product_type", "product"},
		Side:     []string{"side", "positionSide", "position_side", "buysell"},
		Mark:     []string{"markPrice", "mark_price", "mark", "ltp"},
		Entry:    []string{"avgnetprice", "entryPrice", "entry_price", "avgPrice", "avg_price", "netprice"},
		Qty:      []string{"netqty", "positionAmt", "qty", "quantity", "size"},
		Notional: []string{"netvalue", "notional", "notionalValue", "positionValue"},
		PnL:      []string{"unrealised", "unRealizedProfit", "unrealizedPnl", "unrealized_pnl", "pnl"},
		Updated:  []string{"updated_at", "updateTime", "ts"},
	}
}

// LoadFieldMap reads a YAML field map from path. Fields the file leaves empty
// keep their defaults.
func LoadFieldMap(path string) (FieldMap, error) {
	fm := DefaultFieldMap()
	if path == "" {
		return fm, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fm, fmt.Errorf("read field map: %w", err)
	}

	var override FieldMap
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fm, fmt.Errorf("parse field map %s: %w", path, err)
	}
	fm.merge(override)
	return fm, nil
}

func (fm *FieldMap) merge(o FieldMap) {
	pick := func(dst *[]string, src []string) {
		if len(src) > 0 {
			*dst = src
		}
	}
	pick(&fm.Token, o.Token)
	pick(&fm.Exchange, o.Exchange)
	pick(&fm.Symbol, o.Symbol)
	pick(&fm.Product, o.Product)
	pick(&fm.Side, o.Side)
	pick(&fm.Mark, o.Mark)
	pick(&fm.Entry, o.Entry)
	pick(&fm.Qty, o.Qty)
	pick(&fm.Notional, o.Notional)
	pick(&fm.PnL, o.PnL)
	pick(&fm.Updated, o.Updated)
}
