package positions

import (
	"time"

	"github.com/shopspring/decimal"

	"trading-dashboard/internal/markprice"
	"trading-dashboard/internal/model"
)

// NoPriceText is shown when no display price can be derived.
const NoPriceText = "-"

// Build derives the display price for p and returns the dashboard row.
// decimals controls the rounding of DisplayText only; DisplayPrice keeps full
// precision.
func Build(p model.Position, decimals int, now time.Time) model.PositionView {
	v := model.PositionView{
		Position:    p,
		ID:          p.Key(),
		DisplayText: NoPriceText,
		PriceSource: markprice.SourceNone,
		TS:          now.UTC(),
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = v.TS
	}

	r := markprice.Resolve(p.Inputs())
	if !r.OK {
		return v
	}
	price := r.Price
	v.DisplayPrice = &price
	v.PriceSource = r.Source
	v.DisplayText = FormatPrice(price, decimals)
	return v
}

// BuildAll builds a view for every position.
func BuildAll(ps []model.Position, decimals int, now time.Time) []model.PositionView {
	views := make([]model.PositionView, len(ps))
	for i, p := range ps {
		views[i] = Build(p, decimals, now)
	}
	return views
}

// FormatPrice rounds half away from zero to decimals places.
func FormatPrice(price float64, decimals int) string {
	if decimals < 0 {
		decimals = 0
	}
	return decimal.NewFromFloat(price).StringFixed(int32(decimals))
}
