// Package digest assembles each user's daily alert digest from the day's
// accumulated partitions.
package digest

import (
	"context"
	"fmt"
	"time"

	"github.com/rewired-gh/watchdigest/internal/engine"
	"github.com/rewired-gh/watchdigest/internal/fanout"
	"github.com/rewired-gh/watchdigest/internal/filter"
	"github.com/rewired-gh/watchdigest/internal/logger"
	"github.com/rewired-gh/watchdigest/internal/models"
)

// SectionKind identifies one digest section.
type SectionKind string

const (
	SectionPersonal SectionKind = "personal"
	Section52wLow   SectionKind = "52w-low"
	Section52wHigh  SectionKind = "52w-high"
	SectionLosers   SectionKind = "losers"
	SectionGainers  SectionKind = "gainers"
)

// Title is the heading shown for the section.
func (k SectionKind) Title() string {
	switch k {
	case SectionPersonal:
		return "Personal"
	case Section52wLow:
		return "52W Low"
	case Section52wHigh:
		return "52W High"
	case SectionLosers:
		return "Losers"
	case SectionGainers:
		return "Gainers"
	}
	return string(k)
}

// Section is a non-empty group of hits.
type Section struct {
	Kind SectionKind
	Hits []models.HitRecord
}

// Digest is one user's final alert set for a day.
type Digest struct {
	UserID    string
	Recipient string
	DayKey    string
	Sections  []Section
}

// Section returns the section of the given kind, if present.
func (d *Digest) Section(kind SectionKind) (Section, bool) {
	for _, s := range d.Sections {
		if s.Kind == kind {
			return s, true
		}
	}
	return Section{}, false
}

// Len counts hits across sections.
func (d *Digest) Len() int {
	n := 0
	for _, s := range d.Sections {
		n += len(s.Hits)
	}
	return n
}

// Snapshot is the day's state every user is filtered against.
type Snapshot struct {
	DayKey string
	Movers *models.DayPartition
	HiLo   *models.DayPartition
	Custom *models.DayPartition
}

// Assembler builds digests.
type Assembler struct {
	partitions fanout.PartitionReader
	dir        fanout.Directory
	cfg        engine.Config
	now        func() time.Time
}

// New creates an Assembler.
func New(partitions fanout.PartitionReader, dir fanout.Directory, cfg engine.Config) *Assembler {
	return &Assembler{partitions: partitions, dir: dir, cfg: cfg, now: time.Now}
}

// WithClock replaces the time source used to name today's day.
func (a *Assembler) WithClock(now func() time.Time) *Assembler {
	a.now = now
	return a
}

// Snapshot reads today's partitions. Stale partitions come back empty, and
// so do partitions that cannot be read.
func (a *Assembler) Snapshot(ctx context.Context) (Snapshot, error) {
	today := a.cfg.DayKey(a.now())
	s := Snapshot{DayKey: today}
	for _, c := range models.Categories() {
		p, err := a.partitions.FetchToday(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return Snapshot{}, ctx.Err()
			}
			logger.Warn("Reading %s for digest failed, treating it as empty: %v", c, err)
			p = models.NewDayPartition(c, today)
		}
		switch c {
		case models.CategoryMovers:
			s.Movers = p
		case models.CategoryHiLo:
			s.HiLo = p
		case models.CategoryCustom:
			s.Custom = p
		}
		if err == nil {
			s.DayKey = p.DayKey
		}
	}
	return s, nil
}

// Assemble returns a digest for every user with digests enabled and at
// least one qualifying hit. A user whose watchlist cannot be read is skipped.
func (a *Assembler) Assemble(ctx context.Context) ([]Digest, error) {
	snap, err := a.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	users, err := a.dir.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	var out []Digest
	for _, u := range users {
		if !u.Preferences.EmailEnabled {
			continue
		}
		entries, err := a.dir.ListWatchlist(ctx, u.ID)
		if err != nil {
			logger.Warn("Skipping digest for user %s: %v", u.ID, err)
			continue
		}
		if d, ok := a.Build(u, entries, snap); ok {
			out = append(out, d)
		}
	}
	logger.Info("Assembled %d digests for %s from %d users", len(out), snap.DayKey, len(users))
	return out, nil
}

// Build filters snap for one user. ok is false when the user has digests
// disabled or nothing qualifies.
func (a *Assembler) Build(u models.User, watchlist []models.WatchlistEntry, snap Snapshot) (Digest, bool) {
	prefs := u.Preferences
	if !prefs.EmailEnabled {
		return Digest{}, false
	}
	watched := make(map[string]bool, len(watchlist))
	for _, e := range watchlist {
		watched[models.NormalizeCode(e.Code)] = true
	}

	d := Digest{UserID: u.ID, Recipient: prefs.Recipient, DayKey: snap.DayKey}
	add := func(kind SectionKind, hits []models.HitRecord) {
		if len(hits) > 0 {
			d.Sections = append(d.Sections, Section{Kind: kind, Hits: hits})
		}
	}

	add(SectionPersonal, a.personal(u.ID, prefs, watched, snap.Custom))
	add(Section52wLow, a.market(prefs, watched, snap.HiLo, models.ListLow))
	add(Section52wHigh, a.market(prefs, watched, snap.HiLo, models.ListHigh))
	add(SectionLosers, a.market(prefs, watched, snap.Movers, models.ListDown))
	add(SectionGainers, a.market(prefs, watched, snap.Movers, models.ListUp))

	if len(d.Sections) == 0 {
		return Digest{}, false
	}
	return d, true
}

func (a *Assembler) market(prefs models.UserPreference, watched map[string]bool, p *models.DayPartition, list models.ListName) []models.HitRecord {
	if p == nil {
		return nil
	}
	var out []models.HitRecord
	for _, h := range p.List(list) {
		ev := h.Event()
		if ev.Direction == "" {
			ev.Direction = listDirection(list)
		}
		if filter.Qualifies(ev, prefs, filter.Bypass(h.Code, watched, prefs), a.cfg.Defaults) {
			out = append(out, h)
		}
	}
	return out
}

func (a *Assembler) personal(userID string, prefs models.UserPreference, watched map[string]bool, p *models.DayPartition) []models.HitRecord {
	if p == nil {
		return nil
	}
	var out []models.HitRecord
	for _, h := range p.List(models.ListHits) {
		if h.UserID != userID {
			continue
		}
		ok := false
		switch models.NormalizeIntent(h.Intent) {
		case models.IntentTargetHit:
			ok = true
		case models.IntentMover:
			ok = filter.Qualifies(h.Event(), prefs, filter.Bypass(h.Code, watched, prefs), a.cfg.Defaults)
		case models.Intent52wHigh, models.Intent52wLow:
			ok = filter.PassesPriceFloor(h.Live, prefs.HiloMinPrice, a.cfg.Defaults.HiloMinPrice)
		}
		if ok {
			out = append(out, h)
		}
	}
	return out
}

func listDirection(list models.ListName) models.Direction {
	switch list {
	case models.ListUp:
		return models.DirectionUp
	case models.ListDown:
		return models.DirectionDown
	case models.ListHigh:
		return models.DirectionHigh
	case models.ListLow:
		return models.DirectionLow
	}
	return ""
}
