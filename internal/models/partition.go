package models

import (
	"fmt"
	"time"
)

// Category names one day-partitioned alert log.
type Category string

const (
	CategoryMovers Category = "movers"
	CategoryHiLo   Category = "hilo"
	CategoryCustom Category = "custom"
)

// ListName names one typed hit list inside a partition.
type ListName string

const (
	ListUp   ListName = "upHits"
	ListDown ListName = "downHits"
	ListHigh ListName = "highHits"
	ListLow  ListName = "lowHits"
	ListHits ListName = "hits"
)

// Categories lists every category in a stable order.
func Categories() []Category {
	return []Category{CategoryMovers, CategoryHiLo, CategoryCustom}
}

// Lists returns the fixed list names a category owns.
func (c Category) Lists() []ListName {
	switch c {
	case CategoryMovers:
		return []ListName{ListUp, ListDown}
	case CategoryHiLo:
		return []ListName{ListHigh, ListLow}
	case CategoryCustom:
		return []ListName{ListHits}
	}
	return nil
}

// Personal reports whether the category holds per-user records.
func (c Category) Personal() bool {
	return c == CategoryCustom
}

// Validate rejects unknown categories.
func (c Category) Validate() error {
	if len(c.Lists()) == 0 {
		return fmt.Errorf("unknown category %q", string(c))
	}
	return nil
}

// ListFor returns the list a market-wide record with the given direction
// belongs to within the category.
func (c Category) ListFor(d Direction) (ListName, bool) {
	switch {
	case c == CategoryMovers && d == DirectionUp:
		return ListUp, true
	case c == CategoryMovers && d == DirectionDown:
		return ListDown, true
	case c == CategoryHiLo && d == DirectionHigh:
		return ListHigh, true
	case c == CategoryHiLo && d == DirectionLow:
		return ListLow, true
	case c == CategoryCustom:
		return ListHits, true
	}
	return "", false
}

// DayPartition is a category's accumulated state for exactly one day.
type DayPartition struct {
	Category  Category
	DayKey    string
	Lists     map[ListName][]HitRecord
	UpdatedAt time.Time
}

// NewDayPartition returns an empty partition with every list of the
// category present.
func NewDayPartition(c Category, dayKey string) *DayPartition {
	p := &DayPartition{
		Category: c,
		DayKey:   dayKey,
		Lists:    make(map[ListName][]HitRecord, len(c.Lists())),
	}
	for _, name := range c.Lists() {
		p.Lists[name] = []HitRecord{}
	}
	return p
}

// List returns the records of one list; never nil.
func (p *DayPartition) List(name ListName) []HitRecord {
	if recs, ok := p.Lists[name]; ok && recs != nil {
		return recs
	}
	return []HitRecord{}
}

// Len counts records across all lists.
func (p *DayPartition) Len() int {
	n := 0
	for _, recs := range p.Lists {
		n += len(recs)
	}
	return n
}
