package notification

import (
	"context"
	"fmt"
	"log"
	"time"

	"trading-dashboard/internal/model"
)

// PriceWatcher raises an alert when a position stops having a display price
// and again when the price comes back. Positions seen for the first time
// without a price also alert.
type PriceWatcher struct {
	notifier Notifier
	now      func() time.Time

	// per key: true while the position has a display price
	priced map[string]bool
}

// NewPriceWatcher creates a watcher sending to n.
func NewPriceWatcher(n Notifier) *PriceWatcher {
	return &PriceWatcher{notifier: n, now: time.Now, priced: make(map[string]bool)}
}

// Run checks every view set from viewCh until ctx is cancelled or viewCh is
// closed.
func (w *PriceWatcher) Run(ctx context.Context, viewCh <-chan []model.PositionView) {
	for {
		select {
		case <-ctx.Done():
			return
		case views, ok := <-viewCh:
			if !ok {
				return
			}
			for _, a := range w.Check(views) {
				if err := w.notifier.Send(ctx, a); err != nil {
					log.Printf("[notify] send %q: %v", a.Title, err)
				}
			}
		}
	}
}

// Check returns the alerts caused by views. Positions absent from views are
// forgotten.
func (w *PriceWatcher) Check(views []model.PositionView) []Alert {
	var alerts []Alert
	seen := make(map[string]bool, len(views))
	now := w.now()

	for i := range views {
		v := &views[i]
		seen[v.ID] = true
		has := v.DisplayPrice != nil
		prev, known := w.priced[v.ID]
		w.priced[v.ID] = has

		switch {
		case !has && (!known || prev):
			alerts = append(alerts, Alert{
				Level:   AlertWarning,
				Title:   "display price unavailable",
				Message: label(v) + " has no usable mark price and cannot be derived from entry and P&L",
				Key:     v.ID,
				TS:      now,
			})
		case has && known && !prev:
			alerts = append(alerts, Alert{
				Level:   AlertInfo,
				Title:   "display price restored",
				Message: fmt.Sprintf("%s priced at %s (%s)", label(v), v.DisplayText, v.PriceSource),
				Key:     v.ID,
				TS:      now,
			})
		}
	}

	for k := range w.priced {
		if !seen[k] {
			delete(w.priced, k)
		}
	}
	return alerts
}

func label(v *model.PositionView) string {
	if v.TradingSymbol == "" {
		return v.ID
	}
	return v.TradingSymbol + " (" + v.ID + ")"
}
