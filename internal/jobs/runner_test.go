package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rewired-gh/watchdigest/internal/config"
	"github.com/rewired-gh/watchdigest/internal/detect"
	"github.com/rewired-gh/watchdigest/internal/digest"
	"github.com/rewired-gh/watchdigest/internal/engine"
	"github.com/rewired-gh/watchdigest/internal/models"
	"github.com/rewired-gh/watchdigest/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuotes struct {
	quotes    []models.Quote
	err       error
	requested [][]string
}

func (f *fakeQuotes) FetchQuotes(_ context.Context, codes []string) ([]models.Quote, error) {
	f.requested = append(f.requested, codes)
	return f.quotes, f.err
}

type fakeSender struct {
	sent []digest.Digest
	err  error
}

func (s *fakeSender) SendDigest(d digest.Digest) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, d)
	return nil
}

type fakeNotifier struct {
	errors     []string
	recoveries []int
}

func (n *fakeNotifier) SendError(job string, err error) error {
	n.errors = append(n.errors, job+": "+err.Error())
	return nil
}

func (n *fakeNotifier) SendRecovery(job string, failureCount int) error {
	n.recoveries = append(n.recoveries, failureCount)
	return nil
}

var now = time.Date(2025, 1, 2, 6, 0, 0, 0, time.UTC)

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *storage.Storage) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertUser(ctx, &models.User{ID: "u1", Preferences: models.UserPreference{
		Thresholds:   models.Thresholds{UpPercent: models.Value(3)},
		EmailEnabled: true,
		Recipient:    "42",
	}}))
	require.NoError(t, s.UpsertUser(ctx, &models.User{ID: "u2"}))
	require.NoError(t, s.AddWatchlistEntry(ctx, &models.WatchlistEntry{
		ShareID: "s1", UserID: "u1", Code: "BHP", TargetPrice: "50", TargetDirection: models.TargetAbove,
	}))
	require.NoError(t, s.AddWatchlistEntry(ctx, &models.WatchlistEntry{ShareID: "s2", UserID: "u1", Code: "CBA"}))
	require.NoError(t, s.AddWatchlistEntry(ctx, &models.WatchlistEntry{ShareID: "s3", UserID: "u2", Code: "RIO"}))
}

func newTestRunner(s *storage.Storage, q *fakeQuotes) *Runner {
	cfg := engine.New(time.UTC, 0, models.Thresholds{
		UpPercent:   models.Value(3),
		UpDollar:    models.Value(0.5),
		DownPercent: models.Value(3),
		DownDollar:  models.Value(0.5),
	})
	return NewRunner(cfg, s, s, q, Options{Movers: detect.MoverRule{Percent: 3}}).
		WithClock(func() time.Time { return now })
}

func TestRunner_TradingDay(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	seed(t, s)

	q := &fakeQuotes{quotes: []models.Quote{
		{Symbol: "BHP", Name: "BHP Group", Sector: "Materials", Price: 47, PreviousClose: 45, High52: 46, Low52: 30},
		{Symbol: "CBA", Sector: "Financials", Price: 100, PreviousClose: 100, High52: 120, Low52: 100},
		{Symbol: "RIO", Sector: "Materials", Price: 110, PreviousClose: 111, High52: 130, Low52: 90},
	}}
	sender := &fakeSender{}
	r := newTestRunner(s, q).WithSender(sender)

	for _, job := range Names() {
		require.NoError(t, r.Run(ctx, job), job)
	}

	assert.Equal(t, []string{"BHP", "CBA", "RIO"}, q.requested[0], "universe falls back to watchlists")

	movers, err := s.LoadPartition(ctx, models.CategoryMovers)
	require.NoError(t, err)
	assert.Equal(t, "2025-01-02", movers.DayKey)
	require.Len(t, movers.List(models.ListUp), 1)
	assert.Equal(t, "BHP", movers.List(models.ListUp)[0].Code)
	assert.Empty(t, movers.List(models.ListDown))

	custom, err := s.LoadPartition(ctx, models.CategoryCustom)
	require.NoError(t, err)
	intents := map[string]bool{}
	for _, h := range custom.List(models.ListHits) {
		intents[h.UserID+":"+h.Code+":"+string(h.Intent)] = true
	}
	assert.Equal(t, map[string]bool{
		"u1:BHP:mover":    true,
		"u1:BHP:52w-high": true,
		"u1:CBA:52w-low":  true,
	}, intents)

	require.Len(t, sender.sent, 1, "u2 has digests disabled")
	d := sender.sent[0]
	assert.Equal(t, "u1", d.UserID)
	assert.Equal(t, "42", d.Recipient)

	var kinds []digest.SectionKind
	for _, sec := range d.Sections {
		kinds = append(kinds, sec.Kind)
	}
	assert.Equal(t, []digest.SectionKind{
		digest.SectionPersonal, digest.Section52wLow, digest.Section52wHigh, digest.SectionGainers,
	}, kinds)
}

func TestRunner_RescanIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	seed(t, s)
	q := &fakeQuotes{quotes: []models.Quote{{Symbol: "BHP", Price: 47, PreviousClose: 45}}}
	r := newTestRunner(s, q)

	require.NoError(t, r.Run(ctx, JobMovers))
	require.NoError(t, r.Run(ctx, JobMovers))

	movers, err := s.LoadPartition(ctx, models.CategoryMovers)
	require.NoError(t, err)
	assert.Len(t, movers.List(models.ListUp), 1)
	custom, err := s.LoadPartition(ctx, models.CategoryCustom)
	require.NoError(t, err)
	assert.Len(t, custom.List(models.ListHits), 1)
}

func TestRunner_TargetCrossed(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	seed(t, s)
	q := &fakeQuotes{quotes: []models.Quote{{Symbol: "BHP", Price: 51, PreviousClose: 50}}}
	r := newTestRunner(s, q)

	require.NoError(t, r.Run(ctx, JobTargets))

	custom, err := s.LoadPartition(ctx, models.CategoryCustom)
	require.NoError(t, err)
	hits := custom.List(models.ListHits)
	require.Len(t, hits, 1)
	assert.Equal(t, models.IntentTargetHit, hits[0].Intent)
	require.NotNil(t, hits[0].Target)
	assert.Equal(t, 50.0, *hits[0].Target)
}

func TestRunner_DailyPrepResetsPartitions(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	seed(t, s)
	q := &fakeQuotes{quotes: []models.Quote{{Symbol: "BHP", Price: 47, PreviousClose: 45}}}
	r := newTestRunner(s, q)

	require.NoError(t, r.Run(ctx, JobMovers))
	require.NoError(t, r.Run(ctx, JobDailyPrep))

	for _, c := range models.Categories() {
		p, err := s.LoadPartition(ctx, c)
		require.NoError(t, err)
		assert.Zero(t, p.Len(), c)
		assert.Equal(t, "2025-01-02", p.DayKey)
	}
}

func TestRunner_FailureStreakNotifiesOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	seed(t, s)
	q := &fakeQuotes{err: errors.New("provider down")}
	n := &fakeNotifier{}
	r := newTestRunner(s, q).WithNotifier(n)

	assert.Error(t, r.Run(ctx, JobMovers))
	assert.Error(t, r.Run(ctx, JobMovers))
	assert.Len(t, n.errors, 1)

	q.err = nil
	require.NoError(t, r.Run(ctx, JobMovers))
	assert.Equal(t, []int{2}, n.recoveries)

	require.NoError(t, r.Run(ctx, JobMovers))
	assert.Len(t, n.recoveries, 1)
}

func TestRunner_DigestDeliveryFailure(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	seed(t, s)
	q := &fakeQuotes{quotes: []models.Quote{{Symbol: "BHP", Price: 47, PreviousClose: 45}}}
	r := newTestRunner(s, q).WithSender(&fakeSender{err: errors.New("bot blocked")})

	require.NoError(t, r.Run(ctx, JobMovers))
	assert.ErrorContains(t, r.Run(ctx, JobDigest), "bot blocked")
}

func TestRunner_UnknownJob(t *testing.T) {
	r := newTestRunner(newTestStorage(t), &fakeQuotes{})
	assert.Error(t, r.Run(context.Background(), "weekly"))
}

func TestRunner_ExplicitUniverse(t *testing.T) {
	s := newTestStorage(t)
	q := &fakeQuotes{}
	cfg := engine.New(time.UTC, 0, models.Thresholds{})
	r := NewRunner(cfg, s, s, q, Options{Universe: []string{"XJO"}})

	require.NoError(t, r.Run(context.Background(), JobHiLo))
	require.Len(t, q.requested, 1)
	assert.Equal(t, []string{"XJO"}, q.requested[0])
}

func TestScheduler_RegisterAll(t *testing.T) {
	r := newTestRunner(newTestStorage(t), &fakeQuotes{})
	sched := NewScheduler(context.Background(), r, time.UTC)

	err := sched.RegisterAll(Schedule{
		DailyPrep: "0 0 7 * * 1-5",
		Movers:    "0 */15 10-16 * * 1-5",
		Digest:    "0 30 17 * * 1-5",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, sched.Len())

	err = NewScheduler(context.Background(), r, nil).RegisterAll(Schedule{HiLo: "not a cron"})
	assert.Error(t, err)
}

func TestRunner_ShippedConfigKeepsSmallMoves(t *testing.T) {
	ctx := context.Background()
	cfg, err := config.Load("../../configs/config.yaml")
	require.NoError(t, err)
	engineCfg, err := cfg.EngineConfig()
	require.NoError(t, err)
	rule := detect.MoverRule{Percent: cfg.Detect.MoverPercent, Dollar: cfg.Detect.MoverDollar}
	assert.Equal(t, detect.MoverRule{}, rule)

	s := newTestStorage(t)
	require.NoError(t, s.UpsertUser(ctx, &models.User{ID: "u1", Preferences: models.UserPreference{
		Thresholds:   models.Thresholds{UpPercent: models.Value(3), UpDollar: models.Value(1.0)},
		EmailEnabled: true,
	}}))
	require.NoError(t, s.AddWatchlistEntry(ctx, &models.WatchlistEntry{ShareID: "s1", UserID: "u1", Code: "CSL"}))

	// 0.5% but $1.20: only the dollar trigger fires.
	q := &fakeQuotes{quotes: []models.Quote{{Symbol: "CSL", Sector: "Health Care", Price: 241.2, PreviousClose: 240}}}
	sender := &fakeSender{}
	r := NewRunner(engineCfg, s, s, q, Options{Universe: cfg.Detect.Universe, Movers: rule}).
		WithClock(func() time.Time { return now }).
		WithSender(sender)

	require.NoError(t, r.Run(ctx, JobMovers))
	require.NoError(t, r.Run(ctx, JobDigest))

	require.Len(t, sender.sent, 1)
	gainers, ok := sender.sent[0].Section(digest.SectionGainers)
	require.True(t, ok)
	require.Len(t, gainers.Hits, 1)
	assert.Equal(t, "CSL", gainers.Hits[0].Code)
	personal, ok := sender.sent[0].Section(digest.SectionPersonal)
	require.True(t, ok)
	assert.Len(t, personal.Hits, 1)
}
