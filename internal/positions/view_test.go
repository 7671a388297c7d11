package positions

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-dashboard/internal/markprice"
	"trading-dashboard/internal/model"
)

func bytesReader(s string) io.Reader { return bytes.NewBufferString(s) }

func TestBuild_DerivesFromAngelRow(t *testing.T) {
	p, err := Decode(angelRow(), DefaultFieldMap())
	require.NoError(t, err)

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	v := Build(p, 2, now)

	// 612.40 + 120 / -25 = 607.60
	require.NotNil(t, v.DisplayPrice)
	assert.InDelta(t, 607.6, *v.DisplayPrice, 1e-9)
	assert.Equal(t, "607.60", v.DisplayText)
	assert.Equal(t, markprice.SourceQuantity, v.PriceSource)
	assert.Equal(t, "NSE:3045", v.ID)
	assert.Equal(t, now, v.TS)
	assert.Equal(t, now, v.UpdatedAt)
}

func TestBuild_NoPrice(t *testing.T) {
	p := model.Position{Token: "1", Exchange: "NSE", Entry: markprice.Float(10), Qty: markprice.Float(1), PnL: markprice.Float(-50)}
	v := Build(p, 2, time.Now())
	assert.Nil(t, v.DisplayPrice)
	assert.Equal(t, NoPriceText, v.DisplayText)
	assert.Equal(t, markprice.SourceNone, v.PriceSource)
}

func TestBuild_KeepsUpstreamTimestamp(t *testing.T) {
	upd := time.Date(2026, 3, 2, 9, 59, 0, 0, time.UTC)
	p := model.Position{Token: "1", Mark: markprice.Float(5), UpdatedAt: upd}
	v := Build(p, 0, upd.Add(time.Minute))
	assert.Equal(t, upd, v.UpdatedAt)
	assert.Equal(t, "5", v.DisplayText)
}

func TestBuildAll(t *testing.T) {
	ps := []model.Position{
		{Token: "a", Mark: markprice.Float(1)},
		{Token: "b"},
	}
	views := BuildAll(ps, 2, time.Now())
	require.Len(t, views, 2)
	assert.Equal(t, markprice.SourceMark, views[0].PriceSource)
	assert.Equal(t, markprice.SourceNone, views[1].PriceSource)
}

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "125.00", FormatPrice(125, 2))
	assert.Equal(t, "98.1", FormatPrice(98.05, 1))
	assert.Equal(t, "0.12346", FormatPrice(0.123456, 5))
	assert.Equal(t, "100", FormatPrice(99.6, -3))
}
