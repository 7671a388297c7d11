package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-dashboard/internal/markprice"
)

func TestPositionKeyAndInputs(t *testing.T) {
	p := Position{
		Token:    "3045",
		Exchange: "NSE",
		Side:     "SELL",
		Entry:    markprice.Float(612.4),
		Qty:      markprice.Float(-25),
		PnL:      markprice.Float(120),
	}
	assert.Equal(t, "NSE:3045", p.Key())

	in := p.Inputs()
	assert.Nil(t, in.Mark)
	assert.Equal(t, 612.4, *in.Entry)
	assert.Equal(t, -25.0, *in.Quantity)
	assert.Equal(t, "SELL", in.Side)
}

func TestPositionViewJSON(t *testing.T) {
	v := PositionView{
		Position:    Position{Token: "3045", Exchange: "NSE"},
		ID:          "NSE:3045",
		DisplayText: "-",
		PriceSource: markprice.SourceNone,
	}
	assert.Equal(t, "pub:position:NSE:3045", v.Channel())

	raw, err := json.Marshal(v)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "NSE:3045", m["key"])
	assert.Equal(t, "3045", m["token"])
	assert.Contains(t, m, "display_price")
	assert.Nil(t, m["display_price"])
	assert.NotContains(t, m, "mark")
}

func TestChannelKeyRoundTrip(t *testing.T) {
	v := PositionView{Position: Position{Exchange: "NFO", Token: "43210"}}
	assert.Equal(t, "pub:position:NFO:43210", v.Channel())

	key, ok := KeyForChannel(v.Channel())
	require.True(t, ok)
	assert.Equal(t, "NFO:43210", key)

	_, ok = KeyForChannel("pub:candle:60s:NSE:2885")
	assert.False(t, ok)
	_, ok = KeyForChannel(PositionChannelPrefix)
	assert.False(t, ok)
}
