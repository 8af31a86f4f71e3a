package service

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadengine/internal/analysis"
	"loadengine/internal/calcconfig"
	"loadengine/internal/calendar"
	"loadengine/internal/store"
)

func TestIngest_OnboardsAndRefreshes(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t, EngineOptions{})

	res := env.ingestFeed(t, runFeed(1, "2024-03-01", 10, 2))
	assert.Equal(t, 10, res.Created)
	assert.Equal(t, []int64{1}, res.Onboarded)
	assert.Equal(t, []int64{1}, res.Refreshed)
	assert.Empty(t, res.Queued)

	cfg, err := env.configs.Active(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cfg.Version)

	rows := env.liveRows(t, 1)
	require.NotEmpty(t, rows)
	assert.Equal(t, "2024-03-01", rows[0].Date.String())
	assert.Equal(t, testToday, rows[len(rows)-1].Date)
	for _, r := range rows {
		assert.Equal(t, int64(1), r.ConfigVersion)
	}

	acts, err := env.deps.Store.ListActivities(ctx, 1, calendar.Range{})
	require.NoError(t, err)
	for _, a := range acts {
		assert.False(t, a.Stale(1), "activity %d computed under the active version", a.ID)
		require.NotNil(t, a.Impulse)
		assert.Greater(t, *a.Impulse, 0.0)
	}
}

func TestIngest_DuplicateDeliveryIsIdempotent(t *testing.T) {
	env := setupTestEnv(t, EngineOptions{})
	feed := runFeed(1, "2024-03-01", 6, 3)

	env.ingestFeed(t, feed)
	before := env.liveRows(t, 1)

	// same records again, newest first
	reversed := make([]Record, len(feed))
	for i, r := range feed {
		reversed[len(feed)-1-i] = r
	}
	res := env.ingestFeed(t, reversed)

	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 0, res.Updated)
	assert.Equal(t, 6, res.Unchanged)
	assert.Empty(t, res.Refreshed)
	assert.Equal(t, before, env.liveRows(t, 1))
}

func TestIngest_OutOfOrderMatchesInOrder(t *testing.T) {
	inOrder := setupTestEnv(t, EngineOptions{})
	outOfOrder := setupTestEnv(t, EngineOptions{})
	feed := runFeed(1, "2024-02-01", 12, 4)

	inOrder.ingestFeed(t, feed)
	for i := len(feed) - 1; i >= 0; i-- {
		outOfOrder.ingestFeed(t, feed[i:i+1])
	}

	assert.Equal(t, inOrder.liveRows(t, 1), outOfOrder.liveRows(t, 1))
}

func TestIngest_RejectsInvalidRecords(t *testing.T) {
	env := setupTestEnv(t, EngineOptions{})

	good := runFeed(1, "2024-03-10", 1, 1)[0]
	noOwner := good
	noOwner.OwnerID = 0
	noDate := good
	noDate.ActivityID = 2
	noDate.Date = calendar.Date{}
	negative := good
	negative.ActivityID = 3
	negative.Distance = -1

	res, err := env.ingest.Ingest(context.Background(), []Record{good, noOwner, noDate, negative})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	require.Len(t, res.Rejected, 3)
	for _, e := range res.Rejected {
		assert.ErrorIs(t, e, ErrInvalidRecord)
	}
}

func TestIngest_BadHeartrateFallsBackToZeroImpulse(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t, EngineOptions{})

	rec := runFeed(1, "2024-03-10", 1, 1)[0]
	rec.Heartrate = []Sample{{Offset: 0, Heartrate: 140}, {Offset: 120, Heartrate: 150}, {Offset: 60, Heartrate: 145}}
	env.ingestFeed(t, []Record{rec})

	a, err := env.deps.Store.GetActivity(ctx, 1, rec.ActivityID)
	require.NoError(t, err)
	require.NotNil(t, a.Impulse)
	assert.Equal(t, 0.0, *a.Impulse)
	require.NotNil(t, a.EquivalentDistance)
	assert.Greater(t, *a.EquivalentDistance, rec.Distance)
}

func TestIngest_QueuesRefreshWhileJobOpen(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t, EngineOptions{})

	env.ingestFeed(t, runFeed(1, "2024-02-01", 10, 3))
	_, job, err := env.configs.RequestChange(ctx, 1, calcconfig.Change{RatioStrategy: strategyPtr("decay")})
	require.NoError(t, err)

	late := Record{
		OwnerID: 1, ActivityID: 5000, Discipline: "ride", Date: calendar.MustParse("2024-03-30"),
		Distance: 40000, Duration: 5400,
	}
	res := env.ingestFeed(t, []Record{late})
	assert.Equal(t, []int64{1}, res.Queued)

	queued, err := env.deps.Store.RefreshQueued(ctx, 1)
	require.NoError(t, err)
	assert.True(t, queued)

	a, err := env.deps.Store.GetActivity(ctx, 1, 5000)
	require.NoError(t, err)
	assert.Nil(t, a.ComputedVersion, "computed fields wait for the recalculation")

	require.NoError(t, env.engine.Run(ctx, job.ID))

	queued, err = env.deps.Store.RefreshQueued(ctx, 1)
	require.NoError(t, err)
	assert.False(t, queued, "queued refresh replayed once the job completed")

	a, err = env.deps.Store.GetActivity(ctx, 1, 5000)
	require.NoError(t, err)
	require.NotNil(t, a.ComputedVersion)
	assert.Equal(t, int64(2), *a.ComputedVersion)

	for _, r := range env.liveRows(t, 1) {
		assert.Equal(t, int64(2), r.ConfigVersion)
	}
}

func TestRefresh_QueuedWhileLocked(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t, EngineOptions{})
	env.ingestFeed(t, runFeed(1, "2024-03-01", 3, 1))

	unlock, err := env.locker.TryLock(ctx, 1)
	require.NoError(t, err)

	res, err := env.refresher.Refresh(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, RefreshQueued, res)

	applied, err := env.refresher.ProcessQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, applied, "still locked")

	require.NoError(t, unlock(ctx))

	applied, err = env.refresher.ProcessQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	pending, err := env.deps.Store.PendingRefreshes(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRefresh_KeepsRequestQueuedDuringCompute(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t, EngineOptions{})

	// The unknown discipline makes load computation log a warning, which is
	// where a second delivery lands while the owner is locked.
	var ingest *IngestService
	var late *IngestResult
	armed := false
	hook := zerolog.HookFunc(func(e *zerolog.Event, level zerolog.Level, msg string) {
		if !armed || level != zerolog.WarnLevel {
			return
		}
		armed = false
		res, err := ingest.Ingest(ctx, []Record{{
			OwnerID: 1, ActivityID: 2, Discipline: "run", Date: calendar.MustParse("2024-03-21"),
			Distance: 10000, Duration: 3000,
		}})
		require.NoError(t, err)
		late = res
	})

	deps := env.deps
	deps.Logger = zerolog.New(io.Discard).Hook(hook)
	refresher := NewRefresher(deps)
	ingest = NewIngestService(deps, refresher, analysis.DefaultParams())

	_, err := ingest.Ingest(ctx, []Record{{
		OwnerID: 1, ActivityID: 1, Discipline: "skateboard", Date: calendar.MustParse("2024-03-20"),
		Distance: 5000, Duration: 1800,
	}})
	require.NoError(t, err)

	armed = true
	res, err := refresher.Refresh(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, RefreshApplied, res)
	require.NotNil(t, late)
	assert.Equal(t, []int64{1}, late.Queued)

	queued, err := env.deps.Store.RefreshQueued(ctx, 1)
	require.NoError(t, err)
	require.True(t, queued, "request made during the refresh is still queued")

	applied, err := refresher.ProcessQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	stale, err := env.deps.Store.CountStaleActivities(ctx, 1, 1)
	require.NoError(t, err)
	assert.Zero(t, stale)

	var total float64
	for _, r := range env.liveRows(t, 1) {
		total += r.ExternalLoad
	}
	assert.InDelta(t, 15000, total, 1e-9)
}

func TestReadFeed(t *testing.T) {
	feed := `[
		{"owner_id": 7, "activity_id": 1, "name": "Easy", "discipline": "run", "date": "2024-03-02",
		 "distance": 5000, "elevation_gain": 20, "duration": 1800,
		 "heartrate": [{"t": 0, "hr": 120}, {"t": 30, "hr": 131}]},
		{"owner_id": 7, "activity_id": 2, "discipline": "swim", "date": "2024-03-03", "distance": 1500, "duration": 2400}
	]`

	records, err := ReadFeed(strings.NewReader(feed))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "2024-03-02", records[0].Date.String())
	assert.Equal(t, []Sample{{0, 120}, {30, 131}}, records[0].Heartrate)
	assert.Nil(t, records[1].Heartrate)

	a, samples := records[0].toStore()
	assert.True(t, a.HasHeartrate)
	assert.Equal(t, store.HRSample{OwnerID: 7, ActivityID: 1, Seq: 1, TimeOffset: 30, Heartrate: 131}, samples[1])

	_, err = ReadFeed(strings.NewReader(`{"owner_id": 1}`))
	assert.Error(t, err)
}
