// Package fanout duplicates market-wide hits into personalized records for
// every user whose watchlist holds the instrument.
package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/rewired-gh/watchdigest/internal/hitstore"
	"github.com/rewired-gh/watchdigest/internal/logger"
	"github.com/rewired-gh/watchdigest/internal/models"
)

// Directory lists users and their watchlists.
type Directory interface {
	ListUsers(ctx context.Context) ([]models.User, error)
	ListWatchlist(ctx context.Context, userID string) ([]models.WatchlistEntry, error)
}

// Appender is the write side of the daily hit store.
type Appender interface {
	Append(ctx context.Context, c models.Category, batch hitstore.Batch) (hitstore.AppendResult, error)
}

// Result summarizes one fan-out pass.
type Result struct {
	Users   int
	Emitted int
	Added   int
}

// FanOut cross-references scans against watchlists.
type FanOut struct {
	dir   Directory
	store Appender
}

// New creates a FanOut writing into store's custom category.
func New(dir Directory, store Appender) *FanOut {
	return &FanOut{dir: dir, store: store}
}

// Run emits a personalized record for every watchlist entry whose code
// appears in scan, one per directional list holding the code, and appends
// them to the custom category. It scans every user's full watchlist; the
// append is idempotent so a failed or partial run is safe to repeat.
func (f *FanOut) Run(ctx context.Context, category models.Category, scan hitstore.Batch) (Result, error) {
	if category.Personal() {
		return Result{}, fmt.Errorf("cannot fan out the %s category", category)
	}
	if err := category.Validate(); err != nil {
		return Result{}, err
	}

	// Per-list membership keeps the direction; first record per code carries
	// the event data.
	inList := make(map[models.ListName]map[string]bool)
	lookup := make(map[string]models.HitRecord)
	for _, name := range category.Lists() {
		inList[name] = make(map[string]bool)
		for _, rec := range scan[name] {
			code := models.NormalizeCode(rec.Code)
			if code == "" {
				continue
			}
			inList[name][code] = true
			if _, ok := lookup[code]; !ok {
				lookup[code] = rec
			}
		}
	}
	if len(lookup) == 0 {
		return Result{}, nil
	}

	users, err := f.dir.ListUsers(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list users: %w", err)
	}

	var res Result
	var emitted []models.HitRecord
	for _, u := range users {
		entries, err := f.dir.ListWatchlist(ctx, u.ID)
		if err != nil {
			logger.Warn("Skipping fan-out for user %s: %v", u.ID, err)
			continue
		}
		res.Users++
		for _, e := range entries {
			code := models.NormalizeCode(e.Code)
			base, ok := lookup[code]
			if !ok {
				continue
			}
			for _, name := range category.Lists() {
				if !inList[name][code] {
					continue
				}
				emitted = append(emitted, personalize(base, name, u.ID, e.ShareID))
			}
		}
	}

	res.Emitted = len(emitted)
	if len(emitted) == 0 {
		return res, nil
	}
	ar, err := f.store.Append(ctx, models.CategoryCustom, hitstore.Batch{models.ListHits: emitted})
	res.Added = ar.Added
	if err != nil {
		return res, err
	}
	logger.Info("Fan-out of %s: %d users scanned, %d personalized, %d new", category, res.Users, res.Emitted, res.Added)
	return res, nil
}

func personalize(base models.HitRecord, list models.ListName, userID, shareID string) models.HitRecord {
	rec := base
	rec.Code = models.NormalizeCode(base.Code)
	rec.UserID = userID
	rec.ShareID = shareID
	rec.Target = nil
	switch list {
	case models.ListUp:
		rec.Intent, rec.Direction = models.IntentMover, models.DirectionUp
	case models.ListDown:
		rec.Intent, rec.Direction = models.IntentMover, models.DirectionDown
	case models.ListHigh:
		rec.Intent, rec.Direction = models.Intent52wHigh, models.DirectionHigh
	case models.ListLow:
		rec.Intent, rec.Direction = models.Intent52wLow, models.DirectionLow
	}
	return rec
}

// PartitionReader reads today's partitions.
type PartitionReader interface {
	FetchToday(ctx context.Context, c models.Category) (*models.DayPartition, error)
}

// Reconciler backfills personalized records for watchlist entries added
// after the first fan-out ran.
type Reconciler struct {
	partitions PartitionReader
	fanout     *FanOut
}

// NewReconciler creates a Reconciler.
func NewReconciler(partitions PartitionReader, f *FanOut) *Reconciler {
	return &Reconciler{partitions: partitions, fanout: f}
}

// Reconcile re-runs fan-out over today's movers and 52-week partitions
// against the current watchlists. Dedup in the store makes it idempotent.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	var total Result
	var errs []error
	for _, c := range []models.Category{models.CategoryMovers, models.CategoryHiLo} {
		p, err := r.partitions.FetchToday(ctx, c)
		if err != nil {
			logger.Warn("Reconciliation skipped %s: %v", c, err)
			errs = append(errs, err)
			continue
		}
		scan := make(hitstore.Batch, len(p.Lists))
		for name, recs := range p.Lists {
			scan[name] = recs
		}
		res, err := r.fanout.Run(ctx, c, scan)
		total.Users += res.Users
		total.Emitted += res.Emitted
		total.Added += res.Added
		if err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s: %w", c, err))
		}
	}
	return total, errors.Join(errs...)
}
