package models

import "time"

// Quote is one instrument snapshot from the quote provider.
type Quote struct {
	Symbol        string
	Name          string
	Sector        string
	Industry      string
	Price         float64
	PreviousClose float64
	High52        float64
	Low52         float64
}

// Change is the absolute move against the previous close, or 0 without one.
func (q Quote) Change() float64 {
	if !validPrice(q.PreviousClose) {
		return 0
	}
	return q.Price - q.PreviousClose
}

// PctChange is the percentage move against the previous close.
func (q Quote) PctChange() float64 {
	if !validPrice(q.PreviousClose) {
		return 0
	}
	return (q.Price - q.PreviousClose) / q.PreviousClose * 100
}

// Event builds a market event for this quote.
func (q Quote) Event(d Direction, at time.Time) MarketEvent {
	return MarketEvent{
		Code:       NormalizeCode(q.Symbol),
		Name:       q.Name,
		Sector:     q.Sector,
		Industry:   q.Industry,
		Live:       q.Price,
		PrevClose:  q.PreviousClose,
		High52:     q.High52,
		Low52:      q.Low52,
		Change:     q.Change(),
		PctChange:  q.PctChange(),
		Direction:  d,
		CapturedAt: at,
	}
}

// QuoteIndex maps normalized codes to quotes; the first quote for a code wins.
func QuoteIndex(quotes []Quote) map[string]Quote {
	idx := make(map[string]Quote, len(quotes))
	for _, q := range quotes {
		code := NormalizeCode(q.Symbol)
		if code == "" {
			continue
		}
		if _, ok := idx[code]; !ok {
			idx[code] = q
		}
	}
	return idx
}
