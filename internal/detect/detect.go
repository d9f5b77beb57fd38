// Package detect turns raw quotes into market-wide events.
package detect

import (
	"math"
	"time"

	"github.com/rewired-gh/watchdigest/internal/models"
)

// MoverRule is the market-wide bar a quote must clear to be recorded as a
// mover. Either trigger suffices; a non-positive value disables it.
type MoverRule struct {
	Percent float64
	Dollar  float64
}

// Movers returns up and down events for quotes whose move against the
// previous close clears rule. Quotes without a usable live price or previous
// close are dropped.
func Movers(quotes []models.Quote, rule MoverRule, at time.Time) (up, down []models.MarketEvent) {
	for _, q := range dedup(quotes) {
		if !positive(q.Price) || !positive(q.PreviousClose) {
			continue
		}
		change := q.Change()
		if change == 0 || !rule.clears(q.PctChange(), change) {
			continue
		}
		if change > 0 {
			up = append(up, q.Event(models.DirectionUp, at))
		} else {
			down = append(down, q.Event(models.DirectionDown, at))
		}
	}
	return up, down
}

// HiLo returns events for quotes trading at or beyond their 52-week range.
// A quote missing the relevant bound is not evaluated against it.
func HiLo(quotes []models.Quote, at time.Time) (high, low []models.MarketEvent) {
	for _, q := range dedup(quotes) {
		if !positive(q.Price) {
			continue
		}
		if positive(q.High52) && q.Price >= q.High52 {
			high = append(high, q.Event(models.DirectionHigh, at))
		}
		if positive(q.Low52) && q.Price <= q.Low52 {
			low = append(low, q.Event(models.DirectionLow, at))
		}
	}
	return high, low
}

func (r MoverRule) clears(pct, change float64) bool {
	pctOn, dollarOn := r.Percent > 0, r.Dollar > 0
	if !pctOn && !dollarOn {
		return true
	}
	return (pctOn && math.Abs(pct) >= r.Percent) || (dollarOn && math.Abs(change) >= r.Dollar)
}

func dedup(quotes []models.Quote) []models.Quote {
	seen := make(map[string]bool, len(quotes))
	out := make([]models.Quote, 0, len(quotes))
	for _, q := range quotes {
		code := models.NormalizeCode(q.Symbol)
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, q)
	}
	return out
}

func positive(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
