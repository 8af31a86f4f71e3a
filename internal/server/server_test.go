package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadengine/internal/analysis"
	"loadengine/internal/calendar"
	"loadengine/internal/lock"
	"loadengine/internal/service"
	"loadengine/internal/store"
	"loadengine/internal/telemetry"
)

func setupTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()

	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		st.Close()
	})

	metrics := telemetry.New()
	deps := service.Deps{
		Store:   st,
		Locker:  lock.NewMemoryLocker(),
		Metrics: metrics,
		Logger:  zerolog.Nop(),
		Today:   func() calendar.Date { return calendar.MustParse("2024-03-10") },
	}
	ingest := service.NewIngestService(deps, service.NewRefresher(deps), analysis.DefaultParams())

	var records []service.Record
	for i := 0; i < 5; i++ {
		records = append(records, service.Record{
			OwnerID:    42,
			ActivityID: int64(i + 1),
			Discipline: "run",
			Date:       calendar.MustParse("2024-03-01").AddDays(i * 2),
			Distance:   6000,
			Duration:   1800,
		})
	}
	_, err = ingest.Ingest(context.Background(), records)
	require.NoError(t, err)

	return New(DefaultConfig("127.0.0.1:0"), st, metrics, zerolog.Nop()), st
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := setupTestServer(t)

	rec := get(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var resp healthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 0, resp.OpenJobs)
}

func TestHealth_DatabaseDown(t *testing.T) {
	s, st := setupTestServer(t)
	require.NoError(t, st.Close())

	rec := get(t, s, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := setupTestServer(t)

	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "loadengine_refreshes_total")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestDailyMetrics(t *testing.T) {
	s, _ := setupTestServer(t)

	rec := get(t, s, "/owners/42/daily-metrics?from=2024-03-02&to=2024-03-04")
	require.Equal(t, http.StatusOK, rec.Code)

	var rows []map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rows))
	require.Len(t, rows, 3)
	assert.Equal(t, "2024-03-02", rows[0]["date"])
	assert.Equal(t, float64(1), rows[0]["config_version"])
	assert.Equal(t, false, rows[0]["stale"])

	// no heart rate anywhere: internal ratio is null, not zero
	v, present := rows[0]["internal_ratio"]
	assert.True(t, present)
	assert.Nil(t, v)
}

func TestDailyMetrics_Errors(t *testing.T) {
	s, _ := setupTestServer(t)

	tests := []struct {
		path string
		code int
	}{
		{"/owners/7/daily-metrics", http.StatusNotFound},
		{"/owners/42/daily-metrics?from=yesterday", http.StatusBadRequest},
		{"/owners/42/daily-metrics?from=2024-03-05&to=2024-03-01", http.StatusBadRequest},
		{"/owners/abc/daily-metrics", http.StatusNotFound},
		{"/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := get(t, s, tt.path)
			assert.Equal(t, tt.code, rec.Code)
			assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json"))
		})
	}
}

func TestJobs(t *testing.T) {
	s, st := setupTestServer(t)

	p := analysis.DefaultParams()
	p.RatioStrategy = analysis.StrategyDecay
	_, job, err := st.CreateVersionWithJob(context.Background(), 42, p, "job-1", calendar.MustParse("2024-03-10"))
	require.NoError(t, err)

	rec := get(t, s, "/owners/42/jobs")
	require.Equal(t, http.StatusOK, rec.Code)

	var jobs []jobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
	assert.Equal(t, "pending", jobs[0].Status)
	assert.Equal(t, "2024-03-10", jobs[0].AsOf)
	assert.Empty(t, jobs[0].Cursor)
	assert.WithinDuration(t, time.Now(), jobs[0].CreatedAt, time.Hour)
}
