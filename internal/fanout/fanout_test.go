package fanout

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rewired-gh/watchdigest/internal/engine"
	"github.com/rewired-gh/watchdigest/internal/hitstore"
	"github.com/rewired-gh/watchdigest/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	users     []models.User
	watchlist map[string][]models.WatchlistEntry
	failUser  string
}

func (d *fakeDirectory) ListUsers(context.Context) ([]models.User, error) {
	return d.users, nil
}

func (d *fakeDirectory) ListWatchlist(_ context.Context, userID string) ([]models.WatchlistEntry, error) {
	if userID == d.failUser {
		return nil, errors.New("directory timeout")
	}
	return d.watchlist[userID], nil
}

type memPartitions struct {
	docs map[models.Category]*models.DayPartition
}

func (m *memPartitions) LoadPartition(_ context.Context, c models.Category) (*models.DayPartition, error) {
	p, ok := m.docs[c]
	if !ok {
		return nil, fmt.Errorf("%s: %w", c, models.ErrNotFound)
	}
	return p, nil
}

func (m *memPartitions) SavePartition(_ context.Context, p *models.DayPartition) error {
	m.docs[p.Category] = p
	return nil
}

var now = time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*hitstore.Store, *memPartitions, *fakeDirectory) {
	t.Helper()
	mem := &memPartitions{docs: make(map[models.Category]*models.DayPartition)}
	store := hitstore.New(mem, engine.New(time.UTC, 0, models.Thresholds{})).WithClock(func() time.Time { return now })
	dir := &fakeDirectory{
		users: []models.User{{ID: "u1"}, {ID: "u2"}, {ID: "u3"}},
		watchlist: map[string][]models.WatchlistEntry{
			"u1": {{ShareID: "s1", UserID: "u1", Code: "bhp"}, {ShareID: "s2", UserID: "u1", Code: "CBA"}},
			"u2": {{ShareID: "s3", UserID: "u2", Code: "RIO"}},
			"u3": {{ShareID: "s4", UserID: "u3", Code: "BHP"}},
		},
	}
	return store, mem, dir
}

func TestRun_Movers(t *testing.T) {
	ctx := context.Background()
	store, mem, dir := setup(t)

	scan := hitstore.Batch{
		models.ListUp:   {{Code: "BHP", Name: "BHP Group", Sector: "Materials", Live: 45, PctChange: 4, Change: 1.8, Direction: models.DirectionUp, Timestamp: now}},
		models.ListDown: {{Code: "CBA", Live: 100, PctChange: -3, Change: -3, Direction: models.DirectionDown, Timestamp: now}},
	}
	res, err := New(dir, store).Run(ctx, models.CategoryMovers, scan)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Users)
	assert.Equal(t, 3, res.Emitted)
	assert.Equal(t, 3, res.Added)

	hits := mem.docs[models.CategoryCustom].List(models.ListHits)
	require.Len(t, hits, 3)
	byKey := map[string]models.HitRecord{}
	for _, h := range hits {
		byKey[h.UserID+":"+h.Code] = h
	}

	bhp := byKey["u1:BHP"]
	assert.Equal(t, models.IntentMover, bhp.Intent)
	assert.Equal(t, models.DirectionUp, bhp.Direction)
	assert.Equal(t, "s1", bhp.ShareID)
	assert.Equal(t, "BHP Group", bhp.Name)
	assert.Equal(t, 4.0, bhp.PctChange)

	cba := byKey["u1:CBA"]
	assert.Equal(t, models.DirectionDown, cba.Direction)
	assert.Contains(t, byKey, "u3:BHP")
	assert.NotContains(t, byKey, "u2:RIO")
}

func TestRun_HiLoIntents(t *testing.T) {
	ctx := context.Background()
	store, mem, dir := setup(t)

	scan := hitstore.Batch{
		models.ListHigh: {{Code: "BHP", Live: 50, Direction: models.DirectionHigh, Timestamp: now}},
		models.ListLow:  {{Code: "RIO", Live: 90, Direction: models.DirectionLow, Timestamp: now}},
	}
	_, err := New(dir, store).Run(ctx, models.CategoryHiLo, scan)
	require.NoError(t, err)

	intents := map[string]models.Intent{}
	for _, h := range mem.docs[models.CategoryCustom].List(models.ListHits) {
		intents[h.UserID+":"+h.Code] = h.Intent
	}
	assert.Equal(t, models.Intent52wHigh, intents["u1:BHP"])
	assert.Equal(t, models.Intent52wHigh, intents["u3:BHP"])
	assert.Equal(t, models.Intent52wLow, intents["u2:RIO"])
}

func TestRun_Idempotent(t *testing.T) {
	ctx := context.Background()
	store, mem, dir := setup(t)
	f := New(dir, store)
	scan := hitstore.Batch{models.ListUp: {{Code: "BHP", Live: 45, Direction: models.DirectionUp, Timestamp: now}}}

	_, err := f.Run(ctx, models.CategoryMovers, scan)
	require.NoError(t, err)
	res, err := f.Run(ctx, models.CategoryMovers, scan)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Emitted)
	assert.Equal(t, 0, res.Added)
	assert.Len(t, mem.docs[models.CategoryCustom].List(models.ListHits), 2)
}

func TestRun_UserFailureDoesNotAbort(t *testing.T) {
	ctx := context.Background()
	store, mem, dir := setup(t)
	dir.failUser = "u1"

	scan := hitstore.Batch{models.ListUp: {{Code: "BHP", Live: 45, Direction: models.DirectionUp, Timestamp: now}}}
	res, err := New(dir, store).Run(ctx, models.CategoryMovers, scan)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Users)

	hits := mem.docs[models.CategoryCustom].List(models.ListHits)
	require.Len(t, hits, 1)
	assert.Equal(t, "u3", hits[0].UserID)
}

func TestRun_EmptyScanWritesNothing(t *testing.T) {
	store, mem, dir := setup(t)
	res, err := New(dir, store).Run(context.Background(), models.CategoryMovers, hitstore.Batch{})
	require.NoError(t, err)
	assert.Zero(t, res.Emitted)
	assert.NotContains(t, mem.docs, models.CategoryCustom)
}

func TestRun_RejectsCustom(t *testing.T) {
	store, _, dir := setup(t)
	_, err := New(dir, store).Run(context.Background(), models.CategoryCustom, hitstore.Batch{})
	assert.Error(t, err)
}

func TestReconcile_BackfillsNewWatchlistEntries(t *testing.T) {
	ctx := context.Background()
	store, mem, dir := setup(t)
	f := New(dir, store)

	_, err := store.Append(ctx, models.CategoryMovers, hitstore.Batch{
		models.ListUp: {{Code: "RIO", Live: 120, PctChange: 5, Direction: models.DirectionUp}},
	})
	require.NoError(t, err)
	_, err = f.Run(ctx, models.CategoryMovers, hitstore.Batch{
		models.ListUp: mem.docs[models.CategoryMovers].List(models.ListUp),
	})
	require.NoError(t, err)
	require.Len(t, mem.docs[models.CategoryCustom].List(models.ListHits), 1)

	// u1 adds RIO after the first fan-out.
	dir.watchlist["u1"] = append(dir.watchlist["u1"], models.WatchlistEntry{ShareID: "s9", UserID: "u1", Code: "RIO"})

	r := NewReconciler(store, f)
	res, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)

	res, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Added, "reconciliation is idempotent")

	users := map[string]bool{}
	for _, h := range mem.docs[models.CategoryCustom].List(models.ListHits) {
		users[h.UserID] = true
	}
	assert.Equal(t, map[string]bool{"u1": true, "u2": true}, users)
}

func TestReconcile_IgnoresStalePartitions(t *testing.T) {
	ctx := context.Background()
	store, mem, dir := setup(t)

	old := models.NewDayPartition(models.CategoryMovers, "2025-01-01")
	old.Lists[models.ListUp] = []models.HitRecord{{Code: "BHP", Live: 45, Timestamp: now.Add(-time.Hour)}}
	mem.docs[models.CategoryMovers] = old

	res, err := NewReconciler(store, New(dir, store)).Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Emitted)
}
