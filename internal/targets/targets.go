// Package targets fires personalized alerts when a watched instrument
// crosses the price a user pinned to it.
package targets

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rewired-gh/watchdigest/internal/fanout"
	"github.com/rewired-gh/watchdigest/internal/hitstore"
	"github.com/rewired-gh/watchdigest/internal/logger"
	"github.com/rewired-gh/watchdigest/internal/models"
)

// QuoteSource fetches live quotes for a set of codes.
type QuoteSource interface {
	FetchQuotes(ctx context.Context, codes []string) ([]models.Quote, error)
}

// Result summarizes one evaluation pass.
type Result struct {
	Checked int
	Fired   int
	Added   int
}

// Evaluator checks every pinned target against live quotes.
type Evaluator struct {
	dir    fanout.Directory
	quotes QuoteSource
	store  fanout.Appender
	now    func() time.Time
}

// New creates an Evaluator.
func New(dir fanout.Directory, quotes QuoteSource, store fanout.Appender) *Evaluator {
	return &Evaluator{dir: dir, quotes: quotes, store: store, now: time.Now}
}

// WithClock replaces the time source.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

type pinned struct {
	user  string
	entry models.WatchlistEntry
	price float64
}

// Run collects every usable target, fetches quotes for their codes in one
// call and appends a target-hit record for each target crossed.
func (e *Evaluator) Run(ctx context.Context) (Result, error) {
	users, err := e.dir.ListUsers(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list users: %w", err)
	}

	var pins []pinned
	codes := make(map[string]bool)
	for _, u := range users {
		entries, err := e.dir.ListWatchlist(ctx, u.ID)
		if err != nil {
			logger.Warn("Skipping targets for user %s: %v", u.ID, err)
			continue
		}
		for _, entry := range entries {
			price, ok := entry.Target()
			if !ok {
				continue
			}
			pins = append(pins, pinned{user: u.ID, entry: entry, price: price})
			codes[models.NormalizeCode(entry.Code)] = true
		}
	}
	if len(pins) == 0 {
		return Result{}, nil
	}

	list := make([]string, 0, len(codes))
	for c := range codes {
		list = append(list, c)
	}
	sort.Strings(list)
	quotes, err := e.quotes.FetchQuotes(ctx, list)
	if err != nil {
		return Result{}, fmt.Errorf("failed to fetch quotes for targets: %w", err)
	}

	hits := evaluate(pins, models.QuoteIndex(quotes), e.now())
	res := Result{Checked: len(pins), Fired: len(hits)}
	if len(hits) == 0 {
		return res, nil
	}
	ar, err := e.store.Append(ctx, models.CategoryCustom, hitstore.Batch{models.ListHits: hits})
	res.Added = ar.Added
	if err != nil {
		return res, err
	}
	logger.Info("Targets: %d checked, %d crossed, %d new", res.Checked, res.Fired, res.Added)
	return res, nil
}

// evaluate returns a target-hit record for every pin crossed by its quote.
// Pins without a quote are skipped.
func evaluate(pins []pinned, quotes map[string]models.Quote, at time.Time) []models.HitRecord {
	var hits []models.HitRecord
	for _, p := range pins {
		q, ok := quotes[models.NormalizeCode(p.entry.Code)]
		if !ok || !(q.Price > 0) {
			continue
		}
		d, fired := Crossed(p.entry.TargetDirection, q.Price, p.price)
		if !fired {
			continue
		}
		target := p.price
		ev := q.Event(d, at)
		rec := ev.Hit(models.IntentTargetHit)
		rec.Target = &target
		rec.UserID = p.user
		rec.ShareID = p.entry.ShareID
		hits = append(hits, rec)
	}
	return hits
}

// Crossed reports whether live has reached target on the given side. An
// above target fires at or over the price, a below target at or under it.
func Crossed(dir models.TargetDirection, live, target float64) (models.Direction, bool) {
	switch dir {
	case models.TargetAbove:
		return models.DirectionUp, live >= target
	case models.TargetBelow:
		return models.DirectionDown, live <= target
	}
	return "", false
}
