package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadengine/internal/analysis"
	"loadengine/internal/calendar"
)

// setupTestStore creates an in-memory store for testing
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := OpenMemory()
	require.NoError(t, err)
	s.SetClock(func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) })

	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func testActivity(owner, id int64, date string) Activity {
	return Activity{
		OwnerID:       owner,
		ID:            id,
		Name:          "Morning Run",
		Discipline:    "run",
		Date:          calendar.MustParse(date),
		Distance:      8046.72,
		ElevationGain: 304.8,
		Duration:      2700,
	}
}

func f64(v float64) *float64 { return &v }

func TestUpsertActivity_CreateAndDuplicate(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	a := testActivity(1, 100, "2024-01-15")
	samples := []HRSample{{TimeOffset: 0, Heartrate: 120}, {TimeOffset: 60, Heartrate: 140}}

	res, err := s.UpsertActivity(ctx, a, samples)
	require.NoError(t, err)
	assert.Equal(t, ActivityCreated, res)

	res, err = s.UpsertActivity(ctx, a, samples)
	require.NoError(t, err)
	assert.Equal(t, ActivityUnchanged, res, "duplicate delivery is a no-op")

	got, err := s.GetActivity(ctx, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-15", got.Date.String())
	assert.True(t, got.HasHeartrate)
	assert.Nil(t, got.ComputedVersion)

	stored, err := s.Samples(ctx, 1, 100)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, 140.0, stored[1].Heartrate)
}

func TestUpsertActivity_RawChangeResetsLoads(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	_, _, err := s.Onboard(ctx, 1, analysis.DefaultParams())
	require.NoError(t, err)

	a := testActivity(1, 100, "2024-01-15")
	_, err = s.UpsertActivity(ctx, a, nil)
	require.NoError(t, err)
	stored, err := s.GetActivity(ctx, 1, 100)
	require.NoError(t, err)

	load := ActivityLoad{OwnerID: 1, ActivityID: 100, Date: a.Date, EquivalentDistance: 10000, RawDigest: stored.RawDigest}
	require.NoError(t, s.ReplaceLiveMetrics(ctx, 1, 1, nil, []ActivityLoad{load}))

	got, err := s.GetActivity(ctx, 1, 100)
	require.NoError(t, err)
	require.NotNil(t, got.ComputedVersion)
	assert.False(t, got.Stale(1))

	a.Distance = 9000
	res, err := s.UpsertActivity(ctx, a, nil)
	require.NoError(t, err)
	assert.Equal(t, ActivityUpdated, res)

	got, err = s.GetActivity(ctx, 1, 100)
	require.NoError(t, err)
	assert.Nil(t, got.EquivalentDistance)
	assert.True(t, got.Stale(1))
}

func TestUpsertActivity_KeepsDeliveryOrder(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	samples := []HRSample{{TimeOffset: 60, Heartrate: 130}, {TimeOffset: 30, Heartrate: 125}}
	_, err := s.UpsertActivity(ctx, testActivity(1, 1, "2024-01-01"), samples)
	require.NoError(t, err)

	byActivity, err := s.SamplesInRange(ctx, 1, calendar.Range{})
	require.NoError(t, err)
	require.Len(t, byActivity[1], 2)
	assert.Equal(t, 60.0, byActivity[1][0].TimeOffset, "non-monotonic offsets are stored as delivered")
}

func TestGetActivity_NotFound(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.GetActivity(context.Background(), 1, 42)
	assert.ErrorIs(t, err, ErrActivityNotFound)
}

func TestListActivities_Range(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	for i, d := range []string{"2024-01-01", "2024-01-10", "2024-02-01"} {
		_, err := s.UpsertActivity(ctx, testActivity(1, int64(i+1), d), nil)
		require.NoError(t, err)
	}
	_, err := s.UpsertActivity(ctx, testActivity(2, 9, "2024-01-05"), nil)
	require.NoError(t, err)

	got, err := s.ListActivities(ctx, 1, calendar.Range{
		Start: calendar.MustParse("2024-01-01"),
		End:   calendar.MustParse("2024-01-31"),
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	first, ok, err := s.FirstActivityDate(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2024-01-01", first.String())

	_, ok, err = s.FirstActivityDate(ctx, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	owners, err := s.Owners(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, owners)
}

func TestOnboard(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	cfg, created, err := s.Onboard(ctx, 7, analysis.DefaultParams())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), cfg.Version)

	_, created, err = s.Onboard(ctx, 7, analysis.DefaultParams())
	require.NoError(t, err)
	assert.False(t, created)

	active, err := s.ActiveConfig(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active.Version)
	assert.Equal(t, analysis.DefaultParams(), active.Params)
}

func TestActiveConfig_NotFound(t *testing.T) {
	_, err := setupTestStore(t).ActiveConfig(context.Background(), 5)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestCreateVersionWithJob_Conflict(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	_, _, err := s.Onboard(ctx, 1, analysis.DefaultParams())
	require.NoError(t, err)

	p := analysis.DefaultParams()
	p.Zones.RestingHR = 45
	cfg, job, err := s.CreateVersionWithJob(ctx, 1, p, "job-1", calendar.MustParse("2024-03-01"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), cfg.Version)
	assert.Equal(t, int64(1), job.PreviousVersion)
	assert.Equal(t, JobPending, job.Status)

	_, _, err = s.CreateVersionWithJob(ctx, 1, p, "job-2", calendar.MustParse("2024-03-01"))
	assert.ErrorIs(t, err, ErrJobConflict)

	configs, err := s.ListConfigs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, configs, 2, "a rejected request writes no version")

	active, err := s.ActiveConfig(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active.Version, "the active pointer waits for the swap")
}

func TestJobLifecycle_CommitAndComplete(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	_, _, err := s.Onboard(ctx, 1, analysis.DefaultParams())
	require.NoError(t, err)
	_, err = s.UpsertActivity(ctx, testActivity(1, 100, "2024-01-15"), nil)
	require.NoError(t, err)
	act, err := s.GetActivity(ctx, 1, 100)
	require.NoError(t, err)

	live := DailyMetric{OwnerID: 1, Date: calendar.MustParse("2024-01-15"), ExternalLoad: 1, ConfigVersion: 1}
	require.NoError(t, s.ReplaceLiveMetrics(ctx, 1, 1, []DailyMetric{live}, nil))

	_, job, err := s.CreateVersionWithJob(ctx, 1, analysis.DefaultParams(), "job-1", calendar.MustParse("2024-01-31"))
	require.NoError(t, err)
	require.NoError(t, s.StartJob(ctx, job.ID))

	rows := []DailyMetric{{
		OwnerID: 1, Date: calendar.MustParse("2024-01-15"), ExternalLoad: 9500, InternalLoad: 80,
		AcuteExtFlat: f64(9500), ChronExtFlat: f64(9500), ExternalRatio: f64(1), ConfigVersion: 2,
	}}
	loads := []ActivityLoad{{
		OwnerID: 1, ActivityID: 100, Date: calendar.MustParse("2024-01-15"),
		EquivalentDistance: 9500, Impulse: 80, ConfigVersion: 2, RawDigest: act.RawDigest,
	}}
	batch := Batch{
		Checkpoint: Checkpoint{
			Seq: 1, BatchStart: calendar.MustParse("2024-01-01"), BatchEnd: calendar.MustParse("2024-01-31"),
			RowCount: 1, ActivityCount: 1, Digest: Digest(rows, loads), State: "{}",
		},
		Rows:  rows,
		Loads: loads,
	}
	require.NoError(t, s.CommitBatch(ctx, job.ID, batch))

	// the same batch cannot be committed twice
	assert.ErrorIs(t, s.CommitBatch(ctx, job.ID, batch), ErrJobStateChanged)

	// live data is untouched while the job runs
	got, err := s.DailyMetrics(ctx, 1, calendar.Range{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].ConfigVersion)

	require.NoError(t, s.CompleteJob(ctx, job.ID))

	got, err = s.DailyMetrics(ctx, 1, calendar.Range{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].ConfigVersion)
	assert.Equal(t, 9500.0, got[0].ExternalLoad)
	assert.Nil(t, got[0].InternalRatio, "nulls survive the swap")

	active, err := s.ActiveConfig(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), active.Version)

	a, err := s.GetActivity(ctx, 1, 100)
	require.NoError(t, err)
	require.NotNil(t, a.Impulse)
	assert.Equal(t, 80.0, *a.Impulse)
	assert.False(t, a.Stale(2))

	done, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, done.Status)
	assert.NotNil(t, done.FinishedAt)

	n, err := s.StagedRowCount(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, n, "staging is cleared after the swap")
}

func TestCompleteJob_DetectsTamperedStaging(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	_, _, err := s.Onboard(ctx, 1, analysis.DefaultParams())
	require.NoError(t, err)

	_, job, err := s.CreateVersionWithJob(ctx, 1, analysis.DefaultParams(), "job-1", calendar.MustParse("2024-01-31"))
	require.NoError(t, err)
	require.NoError(t, s.StartJob(ctx, job.ID))

	rows := []DailyMetric{{OwnerID: 1, Date: calendar.MustParse("2024-01-15"), ExternalLoad: 5, ConfigVersion: 2}}
	require.NoError(t, s.CommitBatch(ctx, job.ID, Batch{
		Checkpoint: Checkpoint{
			Seq: 1, BatchStart: calendar.MustParse("2024-01-01"), BatchEnd: calendar.MustParse("2024-01-31"),
			RowCount: 1, Digest: Digest(rows, nil), State: "{}",
		},
		Rows: rows,
	}))

	_, err = s.DB().ExecContext(ctx, `UPDATE staged_daily_metrics SET external_load = 6`)
	require.NoError(t, err)

	assert.ErrorIs(t, s.CompleteJob(ctx, job.ID), ErrIntegrity)

	active, err := s.ActiveConfig(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active.Version)
}

func TestFailAndRollbackJob(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	_, _, err := s.Onboard(ctx, 1, analysis.DefaultParams())
	require.NoError(t, err)

	_, job, err := s.CreateVersionWithJob(ctx, 1, analysis.DefaultParams(), "job-1", calendar.MustParse("2024-01-31"))
	require.NoError(t, err)

	// rollback is only valid from failed
	assert.ErrorIs(t, s.RollbackJob(ctx, job.ID), ErrJobStateChanged)

	require.NoError(t, s.StartJob(ctx, job.ID))
	require.NoError(t, s.FailJob(ctx, job.ID, "disk full"))

	failed, err := s.OpenJob(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, failed.Status, "failed jobs still block new ones")
	assert.Equal(t, "disk full", failed.Error)

	require.NoError(t, s.RollbackJob(ctx, job.ID))

	_, err = s.OpenJob(ctx, 1)
	assert.ErrorIs(t, err, ErrJobNotFound)

	target, err := s.GetConfig(ctx, 1, 2)
	require.NoError(t, err)
	assert.NotNil(t, target.RolledBackAt)

	// a new job can be created now
	_, _, err = s.CreateVersionWithJob(ctx, 1, analysis.DefaultParams(), "job-2", calendar.MustParse("2024-01-31"))
	require.NoError(t, err)
}

func TestReplaceLiveMetrics_Guards(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	_, _, err := s.Onboard(ctx, 1, analysis.DefaultParams())
	require.NoError(t, err)

	err = s.ReplaceLiveMetrics(ctx, 1, 2, nil, nil)
	assert.ErrorIs(t, err, ErrActiveVersionChanged)

	_, _, err = s.CreateVersionWithJob(ctx, 1, analysis.DefaultParams(), "job-1", calendar.MustParse("2024-01-31"))
	require.NoError(t, err)
	assert.ErrorIs(t, s.ReplaceLiveMetrics(ctx, 1, 1, nil, nil), ErrJobConflict)
}

func TestRefreshQueue(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	require.NoError(t, s.QueueRefresh(ctx, 3))
	require.NoError(t, s.QueueRefresh(ctx, 3))
	require.NoError(t, s.QueueRefresh(ctx, 4))

	owners, err := s.PendingRefreshes(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{3, 4}, owners)

	require.NoError(t, s.ClearRefresh(ctx, 3))
	queued, err := s.RefreshQueued(ctx, 3)
	require.NoError(t, err)
	assert.False(t, queued)
}

func TestRollouts(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	r, err := s.GetRollout(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, r.Percent)
	assert.Empty(t, r.Allow)

	r.Percent = 25
	r.Allow = []int64{11, 12}
	require.NoError(t, s.SaveRollout(ctx, r))

	got, err := s.GetRollout(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 25, got.Percent)
	assert.Equal(t, []int64{11, 12}, got.Allow)
}

func TestDigest(t *testing.T) {
	rows := []DailyMetric{{Date: calendar.MustParse("2024-01-01"), ExternalLoad: 1, ExternalRatio: f64(1)}}
	same := []DailyMetric{{Date: calendar.MustParse("2024-01-01"), ExternalLoad: 1, ExternalRatio: f64(1)}}
	null := []DailyMetric{{Date: calendar.MustParse("2024-01-01"), ExternalLoad: 1}}
	zero := []DailyMetric{{Date: calendar.MustParse("2024-01-01"), ExternalLoad: 1, ExternalRatio: f64(0)}}

	assert.Equal(t, Digest(rows, nil), Digest(same, nil))
	assert.NotEqual(t, Digest(null, nil), Digest(zero, nil), "null and zero differ")
}
