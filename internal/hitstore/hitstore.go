// Package hitstore accumulates hit records in day-scoped, deduplicated
// partitions, one per alert category.
package hitstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/watchdigest/internal/engine"
	"github.com/rewired-gh/watchdigest/internal/logger"
	"github.com/rewired-gh/watchdigest/internal/models"
)

// PartitionStore persists whole partitions. LoadPartition returns an error
// wrapping models.ErrNotFound when the category has never been written.
type PartitionStore interface {
	LoadPartition(ctx context.Context, c models.Category) (*models.DayPartition, error)
	SavePartition(ctx context.Context, p *models.DayPartition) error
}

// Batch holds incoming records keyed by the list they belong to.
type Batch map[models.ListName][]models.HitRecord

// AppendResult summarizes one Append call.
type AppendResult struct {
	DayKey     string
	Added      int
	Skipped    int // duplicates of stored or earlier incoming records
	Pruned     int // stale records removed
	Dropped    int // malformed incoming records
	RolledOver bool
}

// Store is the daily hit store. It reads a partition whole, merges in
// memory and overwrites it whole; there is no locking, so two concurrent
// appends to the same category are last-writer-wins.
type Store struct {
	docs PartitionStore
	cfg  engine.Config
	now  func() time.Time
}

// New creates a Store over docs.
func New(docs PartitionStore, cfg engine.Config) *Store {
	return &Store{docs: docs, cfg: cfg, now: time.Now}
}

// WithClock replaces the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Today returns the current day key in the reference timezone.
func (s *Store) Today() string {
	return s.cfg.DayKey(s.now())
}

// Fetch returns the stored partition, or an empty one stamped with today's
// key if the category has never been written.
func (s *Store) Fetch(ctx context.Context, c models.Category) (*models.DayPartition, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	p, err := s.docs.LoadPartition(ctx, c)
	if errors.Is(err, models.ErrNotFound) {
		return models.NewDayPartition(c, s.Today()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s partition: %w", c, err)
	}
	return p, nil
}

// FetchToday is Fetch with a stale partition reported as empty for today.
func (s *Store) FetchToday(ctx context.Context, c models.Category) (*models.DayPartition, error) {
	p, err := s.Fetch(ctx, c)
	if err != nil {
		return nil, err
	}
	if today := s.Today(); p.DayKey != today {
		return models.NewDayPartition(c, today), nil
	}
	return p, nil
}

// Reset overwrites the category with empty lists for dayKey.
func (s *Store) Reset(ctx context.Context, c models.Category, dayKey string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	p := models.NewDayPartition(c, dayKey)
	p.UpdatedAt = s.now()
	if err := s.docs.SavePartition(ctx, p); err != nil {
		return fmt.Errorf("failed to reset %s partition: %w", c, err)
	}
	return nil
}

// Append merges batch into today's partition of c and persists the result.
// Appending the same batch twice leaves the same lists as appending it once.
//
// A failed read is logged and the merge starts from an empty base. A stored
// partition for another day is discarded, not merged. Records older than the
// staleness window are pruned from both sides. A failed write is returned
// unretried.
func (s *Store) Append(ctx context.Context, c models.Category, batch Batch) (AppendResult, error) {
	if err := c.Validate(); err != nil {
		return AppendResult{}, err
	}

	now := s.now()
	today := s.cfg.DayKey(now)
	res := AppendResult{DayKey: today}

	base, err := s.docs.LoadPartition(ctx, c)
	switch {
	case errors.Is(err, models.ErrNotFound):
		base = nil
	case err != nil:
		logger.Warn("Failed to read %s partition, appending onto empty base: %v", c, err)
		base = nil
	}
	if base != nil && base.DayKey != today {
		logger.Info("Rolling over %s partition from %s to %s", c, base.DayKey, today)
		res.RolledOver = true
		base = nil
	}

	for name, recs := range batch {
		if !ownsList(c, name) {
			logger.Warn("Dropping %d records for unknown list %s in %s", len(recs), name, c)
			res.Dropped += len(recs)
		}
	}

	cutoff := now.Add(-s.cfg.Staleness)
	out := models.NewDayPartition(c, today)
	for _, name := range c.Lists() {
		seen := make(map[string]bool)
		merged := make([]models.HitRecord, 0)

		if base != nil {
			for _, rec := range base.List(name) {
				if stale(rec, cutoff) {
					res.Pruned++
					continue
				}
				rec.Normalize()
				if rec.Code == "" {
					continue
				}
				k := dedupKey(c, rec)
				if seen[k] {
					continue
				}
				seen[k] = true
				merged = append(merged, rec)
			}
		}

		for _, rec := range batch[name] {
			rec.Normalize()
			if rec.Code == "" || (c.Personal() && rec.UserID == "") {
				res.Dropped++
				continue
			}
			if rec.Timestamp.IsZero() {
				rec.Timestamp = now
			}
			if stale(rec, cutoff) {
				res.Pruned++
				continue
			}
			k := dedupKey(c, rec)
			if seen[k] {
				res.Skipped++
				continue
			}
			seen[k] = true
			merged = append(merged, rec)
			res.Added++
		}

		out.Lists[name] = merged
	}
	out.UpdatedAt = now

	if err := s.docs.SavePartition(ctx, out); err != nil {
		return res, fmt.Errorf("failed to write %s partition: %w", c, err)
	}
	logger.Debug("Appended to %s %s: %d added, %d duplicate, %d pruned, %d dropped",
		c, today, res.Added, res.Skipped, res.Pruned, res.Dropped)
	return res, nil
}

// stale reports whether rec falls outside the window. Records without a
// timestamp cannot be placed in the window and count as stale.
func stale(rec models.HitRecord, cutoff time.Time) bool {
	return rec.Timestamp.IsZero() || rec.Timestamp.Before(cutoff)
}

func dedupKey(c models.Category, rec models.HitRecord) string {
	if c.Personal() {
		return rec.PersonalKey()
	}
	return rec.MarketKey()
}

func ownsList(c models.Category, name models.ListName) bool {
	for _, l := range c.Lists() {
		if l == name {
			return true
		}
	}
	return false
}
