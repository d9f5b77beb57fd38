// Package jobs wires the alert components into named batch jobs and runs
// them on a cron schedule.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rewired-gh/watchdigest/internal/detect"
	"github.com/rewired-gh/watchdigest/internal/digest"
	"github.com/rewired-gh/watchdigest/internal/engine"
	"github.com/rewired-gh/watchdigest/internal/fanout"
	"github.com/rewired-gh/watchdigest/internal/hitstore"
	"github.com/rewired-gh/watchdigest/internal/logger"
	"github.com/rewired-gh/watchdigest/internal/models"
	"github.com/rewired-gh/watchdigest/internal/targets"
)

// Job names accepted by Runner.Run.
const (
	JobDailyPrep = "daily_prep"
	JobMovers    = "movers"
	JobHiLo      = "hilo"
	JobTargets   = "targets"
	JobReconcile = "reconcile"
	JobDigest    = "digest"
)

// Names lists every job in the order a trading day runs them.
func Names() []string {
	return []string{JobDailyPrep, JobMovers, JobHiLo, JobTargets, JobReconcile, JobDigest}
}

// Sender delivers assembled digests.
type Sender interface {
	SendDigest(d digest.Digest) error
}

// Notifier reports job failures and recoveries to operators.
type Notifier interface {
	SendError(job string, err error) error
	SendRecovery(job string, failureCount int) error
}

// Options carries the detector settings.
type Options struct {
	// Universe is the set of codes scanned for movers and 52-week events.
	// Empty means every code on any watchlist.
	Universe []string
	Movers   detect.MoverRule
}

// Runner executes jobs against shared stores.
type Runner struct {
	store      *hitstore.Store
	dir        fanout.Directory
	quotes     targets.QuoteSource
	fanout     *fanout.FanOut
	reconciler *fanout.Reconciler
	targets    *targets.Evaluator
	assembler  *digest.Assembler
	sender     Sender
	notifier   Notifier
	opts       Options
	now        func() time.Time

	mu       sync.Mutex
	failures map[string]int
}

// NewRunner builds every component over docs and dir.
func NewRunner(cfg engine.Config, docs hitstore.PartitionStore, dir fanout.Directory, quotes targets.QuoteSource, opts Options) *Runner {
	store := hitstore.New(docs, cfg)
	fo := fanout.New(dir, store)
	return &Runner{
		store:      store,
		dir:        dir,
		quotes:     quotes,
		fanout:     fo,
		reconciler: fanout.NewReconciler(store, fo),
		targets:    targets.New(dir, quotes, store),
		assembler:  digest.New(store, dir, cfg),
		opts:       opts,
		now:        time.Now,
		failures:   make(map[string]int),
	}
}

// WithSender sets the digest delivery channel. Without one, digests are
// only logged.
func (r *Runner) WithSender(s Sender) *Runner {
	r.sender = s
	return r
}

// WithNotifier sets the operator notification channel.
func (r *Runner) WithNotifier(n Notifier) *Runner {
	r.notifier = n
	return r
}

// WithClock replaces the time source of the runner and its components.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	r.store.WithClock(now)
	r.targets.WithClock(now)
	r.assembler.WithClock(now)
	return r
}

// Run executes one job by name and reports the outcome to the notifier:
// the first failure of a streak and the recovery that ends it.
func (r *Runner) Run(ctx context.Context, name string) error {
	var err error
	start := time.Now()
	log := logger.With("jobs")
	log.Info().Str("job", name).Msg("Starting job")

	switch name {
	case JobDailyPrep:
		err = r.DailyPrep(ctx)
	case JobMovers:
		err = r.ScanMovers(ctx)
	case JobHiLo:
		err = r.ScanHiLo(ctx)
	case JobTargets:
		err = r.ScanTargets(ctx)
	case JobReconcile:
		err = r.Reconcile(ctx)
	case JobDigest:
		err = r.Digest(ctx)
	default:
		return fmt.Errorf("unknown job %q", name)
	}

	r.handleResult(name, err)
	if err != nil {
		log.Error().Str("job", name).Dur("elapsed", time.Since(start)).Err(err).Msg("Job failed")
		return err
	}
	log.Info().Str("job", name).Dur("elapsed", time.Since(start)).Msg("Job completed")
	return nil
}

func (r *Runner) handleResult(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.failures[name]++
		if r.failures[name] == 1 && r.notifier != nil {
			if sendErr := r.notifier.SendError(name, err); sendErr != nil {
				logger.Warn("Failed to send error notification: %v", sendErr)
			}
		}
		return
	}
	if n := r.failures[name]; n > 0 && r.notifier != nil {
		if sendErr := r.notifier.SendRecovery(name, n); sendErr != nil {
			logger.Warn("Failed to send recovery notification: %v", sendErr)
		}
	}
	r.failures[name] = 0
}

// DailyPrep resets every category to an empty partition for today.
func (r *Runner) DailyPrep(ctx context.Context) error {
	today := r.store.Today()
	var errs []error
	for _, c := range models.Categories() {
		if err := r.store.Reset(ctx, c, today); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ScanMovers detects movers in the universe, appends them market-wide and
// fans them out to watchlists.
func (r *Runner) ScanMovers(ctx context.Context) error {
	quotes, err := r.scanQuotes(ctx)
	if err != nil {
		return err
	}
	up, down := detect.Movers(quotes, r.opts.Movers, r.now())
	batch := hitstore.Batch{
		models.ListUp:   hits(up, models.IntentMover),
		models.ListDown: hits(down, models.IntentMover),
	}
	return r.appendAndFanOut(ctx, models.CategoryMovers, batch)
}

// ScanHiLo detects 52-week highs and lows, appends them market-wide and
// fans them out to watchlists.
func (r *Runner) ScanHiLo(ctx context.Context) error {
	quotes, err := r.scanQuotes(ctx)
	if err != nil {
		return err
	}
	high, low := detect.HiLo(quotes, r.now())
	batch := hitstore.Batch{
		models.ListHigh: hits(high, models.Intent52wHigh),
		models.ListLow:  hits(low, models.Intent52wLow),
	}
	return r.appendAndFanOut(ctx, models.CategoryHiLo, batch)
}

// ScanTargets evaluates every pinned target.
func (r *Runner) ScanTargets(ctx context.Context) error {
	_, err := r.targets.Run(ctx)
	return err
}

// Reconcile backfills personalized records for late watchlist additions.
func (r *Runner) Reconcile(ctx context.Context) error {
	res, err := r.reconciler.Reconcile(ctx)
	if res.Added > 0 {
		logger.Info("Reconciliation backfilled %d records", res.Added)
	}
	return err
}

// Digest assembles and delivers every user's digest. A failed delivery is
// logged and does not stop the others.
func (r *Runner) Digest(ctx context.Context) error {
	digests, err := r.assembler.Assemble(ctx)
	if err != nil {
		return err
	}

	var errs []error
	sent := 0
	for _, d := range digests {
		if r.sender == nil {
			logger.Info("Digest for %s: %d hits in %d sections (no sender configured)", d.UserID, d.Len(), len(d.Sections))
			continue
		}
		if err := r.sender.SendDigest(d); err != nil {
			logger.Error("Failed to deliver digest to %s: %v", d.UserID, err)
			errs = append(errs, err)
			continue
		}
		sent++
	}
	if r.sender != nil {
		logger.Info("Delivered %d of %d digests", sent, len(digests))
	}
	return errors.Join(errs...)
}

func (r *Runner) appendAndFanOut(ctx context.Context, c models.Category, batch hitstore.Batch) error {
	res, err := r.store.Append(ctx, c, batch)
	if err != nil {
		return err
	}
	logger.Info("Scan of %s: %d new, %d already recorded", c, res.Added, res.Skipped)

	if _, err := r.fanout.Run(ctx, c, batch); err != nil {
		return fmt.Errorf("fan-out of %s failed: %w", c, err)
	}
	return nil
}

func (r *Runner) scanQuotes(ctx context.Context) ([]models.Quote, error) {
	codes, err := r.universe(ctx)
	if err != nil {
		return nil, err
	}
	if len(codes) == 0 {
		logger.Debug("Scan universe is empty")
		return nil, nil
	}
	quotes, err := r.quotes.FetchQuotes(ctx, codes)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quotes: %w", err)
	}
	return quotes, nil
}

func (r *Runner) universe(ctx context.Context) ([]string, error) {
	if len(r.opts.Universe) > 0 {
		return r.opts.Universe, nil
	}
	users, err := r.dir.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	seen := make(map[string]bool)
	for _, u := range users {
		entries, err := r.dir.ListWatchlist(ctx, u.ID)
		if err != nil {
			logger.Warn("Leaving watchlist of %s out of the scan: %v", u.ID, err)
			continue
		}
		for _, e := range entries {
			if code := models.NormalizeCode(e.Code); code != "" {
				seen[code] = true
			}
		}
	}
	codes := make([]string, 0, len(seen))
	for c := range seen {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes, nil
}

func hits(events []models.MarketEvent, intent models.Intent) []models.HitRecord {
	out := make([]models.HitRecord, 0, len(events))
	for i := range events {
		out = append(out, events[i].Hit(intent))
	}
	return out
}
