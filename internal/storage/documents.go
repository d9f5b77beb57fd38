package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/watchdigest/internal/models"
)

// hitDoc is the wire form of a HitRecord inside a partition document.
type hitDoc struct {
	Code      string    `json:"code"`
	Name      string    `json:"name,omitempty"`
	Sector    string    `json:"sector,omitempty"`
	Industry  string    `json:"industry,omitempty"`
	Live      float64   `json:"live"`
	Target    *float64  `json:"target"`
	Direction string    `json:"direction,omitempty"`
	Intent    string    `json:"intent"`
	UserID    *string   `json:"userId"`
	ShareID   *string   `json:"shareId"`
	Timestamp time.Time `json:"timestamp"`
	Change    float64   `json:"change,omitempty"`
	PctChange float64   `json:"pctChange,omitempty"`
	PrevClose float64   `json:"prevClose,omitempty"`
	High52    float64   `json:"high52,omitempty"`
	Low52     float64   `json:"low52,omitempty"`
}

func toHitDoc(h models.HitRecord) hitDoc {
	return hitDoc{
		Code:      h.Code,
		Name:      h.Name,
		Sector:    h.Sector,
		Industry:  h.Industry,
		Live:      h.Live,
		Target:    h.Target,
		Direction: string(h.Direction),
		Intent:    string(models.NormalizeIntent(h.Intent)),
		UserID:    optional(h.UserID),
		ShareID:   optional(h.ShareID),
		Timestamp: h.Timestamp,
		Change:    h.Change,
		PctChange: h.PctChange,
		PrevClose: h.PrevClose,
		High52:    h.High52,
		Low52:     h.Low52,
	}
}

func (d hitDoc) record() models.HitRecord {
	return models.HitRecord{
		Code:      d.Code,
		Name:      d.Name,
		Sector:    d.Sector,
		Industry:  d.Industry,
		Live:      d.Live,
		Target:    d.Target,
		Direction: models.Direction(d.Direction),
		Intent:    models.NormalizeIntent(models.Intent(d.Intent)),
		UserID:    deref(d.UserID),
		ShareID:   deref(d.ShareID),
		Timestamp: d.Timestamp,
		Change:    d.Change,
		PctChange: d.PctChange,
		PrevClose: d.PrevClose,
		High52:    d.High52,
		Low52:     d.Low52,
	}
}

// encodePartition renders a partition as its category-specific document,
// e.g. {"dayKey", "upHits", "downHits", "updatedAt"} for movers.
func encodePartition(p *models.DayPartition) ([]byte, error) {
	doc := map[string]interface{}{
		"dayKey":    p.DayKey,
		"updatedAt": p.UpdatedAt,
	}
	for _, name := range p.Category.Lists() {
		recs := p.List(name)
		docs := make([]hitDoc, 0, len(recs))
		for _, r := range recs {
			docs = append(docs, toHitDoc(r))
		}
		doc[string(name)] = docs
	}
	return json.Marshal(doc)
}

func decodePartition(c models.Category, data []byte) (*models.DayPartition, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode %s document: %w", c, err)
	}

	var dayKey string
	if v, ok := raw["dayKey"]; ok {
		if err := json.Unmarshal(v, &dayKey); err != nil {
			return nil, fmt.Errorf("failed to decode %s dayKey: %w", c, err)
		}
	}
	p := models.NewDayPartition(c, dayKey)

	if v, ok := raw["updatedAt"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to decode %s updatedAt: %w", c, err)
		}
	}

	for _, name := range c.Lists() {
		v, ok := raw[string(name)]
		if !ok || isNull(v) {
			continue
		}
		var docs []hitDoc
		if err := json.Unmarshal(v, &docs); err != nil {
			return nil, fmt.Errorf("failed to decode %s.%s: %w", c, name, err)
		}
		recs := make([]models.HitRecord, 0, len(docs))
		for _, d := range docs {
			recs = append(recs, d.record())
		}
		p.Lists[name] = recs
	}
	return p, nil
}

// preferencesDoc is the wire form of UserPreference. Threshold fields keep
// the raw JSON so that an absent key (Default), a null (Disabled) and a
// number (Value) stay distinguishable.
type preferencesDoc struct {
	UpPercent         json.RawMessage `json:"upPercent,omitempty"`
	UpDollar          json.RawMessage `json:"upDollar,omitempty"`
	DownPercent       json.RawMessage `json:"downPercent,omitempty"`
	DownDollar        json.RawMessage `json:"downDollar,omitempty"`
	MinPrice          json.RawMessage `json:"minPrice,omitempty"`
	HiloMinPrice      json.RawMessage `json:"hiloMinPrice,omitempty"`
	HiddenSectors     []string        `json:"hiddenSectors,omitempty"`
	ActiveFilters     []string        `json:"activeFilters,omitempty"`
	WatchlistOverride *bool           `json:"watchlistOverride,omitempty"`
	EmailEnabled      bool            `json:"emailEnabled"`
	Recipient         string          `json:"recipient,omitempty"`
}

func encodePreferences(p models.UserPreference) ([]byte, error) {
	doc := preferencesDoc{
		UpPercent:         encodeThreshold(p.UpPercent),
		UpDollar:          encodeThreshold(p.UpDollar),
		DownPercent:       encodeThreshold(p.DownPercent),
		DownDollar:        encodeThreshold(p.DownDollar),
		MinPrice:          encodeThreshold(p.MinPrice),
		HiloMinPrice:      encodeThreshold(p.HiloMinPrice),
		HiddenSectors:     p.HiddenSectors,
		ActiveFilters:     p.ActiveFilters,
		WatchlistOverride: p.WatchlistOverride,
		EmailEnabled:      p.EmailEnabled,
		Recipient:         p.Recipient,
	}
	return json.Marshal(doc)
}

func decodePreferences(data []byte) (models.UserPreference, error) {
	var p models.UserPreference
	if len(bytes.TrimSpace(data)) == 0 || isNull(data) {
		return p, nil
	}
	var doc preferencesDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return p, fmt.Errorf("failed to decode preferences: %w", err)
	}

	fields := []struct {
		name string
		raw  json.RawMessage
		dst  *models.Threshold
	}{
		{"upPercent", doc.UpPercent, &p.UpPercent},
		{"upDollar", doc.UpDollar, &p.UpDollar},
		{"downPercent", doc.DownPercent, &p.DownPercent},
		{"downDollar", doc.DownDollar, &p.DownDollar},
		{"minPrice", doc.MinPrice, &p.MinPrice},
		{"hiloMinPrice", doc.HiloMinPrice, &p.HiloMinPrice},
	}
	for _, f := range fields {
		t, err := decodeThreshold(f.raw)
		if err != nil {
			return p, fmt.Errorf("invalid %s: %w", f.name, err)
		}
		*f.dst = t
	}

	p.HiddenSectors = doc.HiddenSectors
	p.ActiveFilters = doc.ActiveFilters
	p.WatchlistOverride = doc.WatchlistOverride
	p.EmailEnabled = doc.EmailEnabled
	p.Recipient = doc.Recipient
	return p, nil
}

func encodeThreshold(t models.Threshold) json.RawMessage {
	switch t.State {
	case models.ThresholdDisabled:
		return json.RawMessage("null")
	case models.ThresholdValue:
		return json.RawMessage(strconv.FormatFloat(t.Value, 'f', -1, 64))
	}
	return nil
}

// decodeThreshold accepts a number or a numeric string.
func decodeThreshold(raw json.RawMessage) (models.Threshold, error) {
	if len(raw) == 0 {
		return models.DefaultThreshold(), nil
	}
	if isNull(raw) {
		return models.Disabled(), nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err == nil {
		return models.Value(v), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return models.Threshold{}, fmt.Errorf("expected number, got %s", string(raw))
	}
	if strings.TrimSpace(s) == "" {
		return models.DefaultThreshold(), nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return models.Threshold{}, fmt.Errorf("expected number, got %q", s)
	}
	return models.Value(v), nil
}

// rawText returns a JSON scalar as plain text: strings are unquoted, numbers
// kept as written, null and absent become empty.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

func isNull(raw []byte) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
