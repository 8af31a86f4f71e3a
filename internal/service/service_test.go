package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"loadengine/internal/analysis"
	"loadengine/internal/calendar"
	"loadengine/internal/lock"
	"loadengine/internal/store"
	"loadengine/internal/telemetry"
)

var testToday = calendar.MustParse("2024-03-31")

// testEnv wires every service against an in-memory store
type testEnv struct {
	deps      Deps
	locker    *lock.MemoryLocker
	refresher *Refresher
	ingest    *IngestService
	configs   *ConfigService
	engine    *Engine
	query     *QueryService
}

func setupTestEnv(t *testing.T, opts EngineOptions) *testEnv {
	t.Helper()

	st, err := store.OpenMemory()
	require.NoError(t, err)
	st.SetClock(func() time.Time { return time.Date(2024, 3, 31, 18, 0, 0, 0, time.UTC) })
	t.Cleanup(func() {
		st.Close()
	})

	locker := lock.NewMemoryLocker()
	deps := Deps{
		Store:   st,
		Locker:  locker,
		Metrics: telemetry.New(),
		Logger:  zerolog.Nop(),
		Today:   func() calendar.Date { return testToday },
	}
	refresher := NewRefresher(deps)
	defaults := analysis.DefaultParams()

	return &testEnv{
		deps:      deps,
		locker:    locker,
		refresher: refresher,
		ingest:    NewIngestService(deps, refresher, defaults),
		configs:   NewConfigService(deps, defaults),
		engine:    NewEngine(deps, refresher, opts),
		query:     NewQueryService(st),
	}
}

// runFeed builds a run every `every` days starting at from, each with a steady
// heart rate stream
func runFeed(owner int64, from string, count, every int) []Record {
	start := calendar.MustParse(from)
	records := make([]Record, 0, count)
	for i := 0; i < count; i++ {
		records = append(records, Record{
			OwnerID:       owner,
			ActivityID:    int64(1000 + i),
			Name:          "Run",
			Discipline:    "run",
			Date:          start.AddDays(i * every),
			Distance:      8000 + float64(i%5)*500,
			ElevationGain: 50 + float64(i%3)*40,
			Duration:      2700,
			Heartrate:     steadyHeartrate(2700, 60, 140+float64(i%4)*5),
		})
	}
	return records
}

func steadyHeartrate(seconds, step int, hr float64) []Sample {
	var out []Sample
	for t := 0; t <= seconds; t += step {
		out = append(out, Sample{Offset: float64(t), Heartrate: hr})
	}
	return out
}

// ingestFeed stores records and fails the test on any rejection
func (e *testEnv) ingestFeed(t *testing.T, records []Record) *IngestResult {
	t.Helper()
	res, err := e.ingest.Ingest(context.Background(), records)
	require.NoError(t, err)
	require.Empty(t, res.Rejected)
	return res
}

func (e *testEnv) liveRows(t *testing.T, owner int64) []store.DailyMetric {
	t.Helper()
	rows, err := e.deps.Store.DailyMetrics(context.Background(), owner, calendar.Range{})
	require.NoError(t, err)
	return rows
}

func strategyPtr(s analysis.RatioStrategy) *analysis.RatioStrategy { return &s }

func intPtr(v int) *int { return &v }

func floatPtr(f float64) *float64 { return &f }

// withoutVersion strips the producing version so rows from different versions compare
func withoutVersion(rows []store.DailyMetric) []store.DailyMetric {
	out := make([]store.DailyMetric, len(rows))
	for i, r := range rows {
		r.ConfigVersion = 0
		r.OwnerID = 0
		out[i] = r
	}
	return out
}
