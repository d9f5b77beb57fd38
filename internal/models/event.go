// Package models defines the core domain entities: market events, hit records,
// day partitions, users and their watchlists.
package models

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned by stores when a requested document does not exist.
var ErrNotFound = errors.New("not found")

// Direction is the side of a detected condition.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionHigh Direction = "high"
	DirectionLow  Direction = "low"
)

// Intent tags why a hit record exists.
type Intent string

const (
	IntentMover     Intent = "mover"
	Intent52wHigh   Intent = "52w-high"
	Intent52wLow    Intent = "52w-low"
	IntentTargetHit Intent = "target-hit"
	// IntentNone stands in for a missing intent so it can take part in dedup keys.
	IntentNone Intent = "none"
)

// MarketEvent is one detected condition for one instrument on one day.
type MarketEvent struct {
	Code       string
	Name       string
	Sector     string
	Industry   string
	Live       float64
	PrevClose  float64
	High52     float64
	Low52      float64
	Change     float64
	PctChange  float64
	Direction  Direction
	CapturedAt time.Time
}

// Validate checks the fields every detector output must carry.
func (e *MarketEvent) Validate() error {
	if NormalizeCode(e.Code) == "" {
		return errors.New("event code must not be empty")
	}
	if !validPrice(e.Live) {
		return errors.New("event live price must be a finite positive number")
	}
	return nil
}

// Hit converts the event into a market-wide hit record with the given intent.
func (e *MarketEvent) Hit(intent Intent) HitRecord {
	return HitRecord{
		Code:      NormalizeCode(e.Code),
		Name:      e.Name,
		Sector:    e.Sector,
		Industry:  e.Industry,
		Live:      e.Live,
		Direction: e.Direction,
		Intent:    intent,
		Timestamp: e.CapturedAt,
		Change:    e.Change,
		PctChange: e.PctChange,
		PrevClose: e.PrevClose,
		High52:    e.High52,
		Low52:     e.Low52,
	}
}

// HitRecord is a MarketEvent tagged with intent and, for personalized
// records, the owning user.
type HitRecord struct {
	Code      string
	Name      string
	Sector    string
	Industry  string
	Live      float64
	Target    *float64
	Direction Direction
	Intent    Intent
	UserID    string
	ShareID   string
	Timestamp time.Time

	Change    float64
	PctChange float64
	PrevClose float64
	High52    float64
	Low52     float64
}

// Event rebuilds the market event view of a stored record, used when
// re-filtering at digest time.
func (h *HitRecord) Event() MarketEvent {
	return MarketEvent{
		Code:       h.Code,
		Name:       h.Name,
		Sector:     h.Sector,
		Industry:   h.Industry,
		Live:       h.Live,
		PrevClose:  h.PrevClose,
		High52:     h.High52,
		Low52:      h.Low52,
		Change:     h.Change,
		PctChange:  h.PctChange,
		Direction:  h.Direction,
		CapturedAt: h.Timestamp,
	}
}

// Normalize uppercases and trims the code and replaces a missing intent
// with IntentNone.
func (h *HitRecord) Normalize() {
	h.Code = NormalizeCode(h.Code)
	h.Intent = NormalizeIntent(h.Intent)
}

// MarketKey is the dedup key of market-wide categories: the code alone,
// scoped to one directional list.
func (h *HitRecord) MarketKey() string {
	return NormalizeCode(h.Code)
}

// PersonalKey is the dedup key of the custom category. The target is part of
// the key so that a changed target price yields a distinct alert.
func (h *HitRecord) PersonalKey() string {
	target := ""
	if h.Target != nil {
		target = strconv.FormatFloat(*h.Target, 'f', -1, 64)
	}
	return strings.Join([]string{
		h.UserID,
		NormalizeCode(h.Code),
		string(NormalizeIntent(h.Intent)),
		target,
	}, "|")
}

// NormalizeCode returns the comparison form of an instrument code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormalizeIntent maps an empty intent to IntentNone.
func NormalizeIntent(intent Intent) Intent {
	trimmed := Intent(strings.TrimSpace(string(intent)))
	if trimmed == "" {
		return IntentNone
	}
	return trimmed
}

func validPrice(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
