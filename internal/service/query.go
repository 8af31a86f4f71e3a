package service

import (
	"context"
	"errors"
	"fmt"

	"loadengine/internal/calcconfig"
	"loadengine/internal/calendar"
	"loadengine/internal/store"
)

// QueryService provides read-only queries for the CLI and TUI
type QueryService struct {
	store *store.Store
}

// NewQueryService creates a new query service
func NewQueryService(st *store.Store) *QueryService {
	return &QueryService{store: st}
}

// MetricRow is a live daily row with its staleness against the active version
type MetricRow struct {
	store.DailyMetric
	Stale bool `json:"stale"`
}

// DailyMetrics returns an owner's live rows between from and to inclusive.
// Undefined ratios and divergence stay nil.
func (q *QueryService) DailyMetrics(ctx context.Context, ownerID int64, from, to calendar.Date) ([]MetricRow, error) {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, fmt.Errorf("range end %s is before start %s", to, from)
	}

	active, err := q.store.ActiveConfig(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	rows, err := q.store.DailyMetrics(ctx, ownerID, calendar.Range{Start: from, End: to})
	if err != nil {
		return nil, err
	}

	out := make([]MetricRow, len(rows))
	for i, r := range rows {
		out[i] = MetricRow{DailyMetric: r, Stale: r.ConfigVersion != active.Version}
	}
	return out, nil
}

// Summary contains all data needed for the dashboard
type Summary struct {
	OwnerID int64
	Active  calcconfig.Config

	// Latest row
	Latest *MetricRow

	// For charts, oldest first
	Recent []MetricRow

	ActivityCount   int
	StaleActivities int
	StaleRows       int

	// Non-terminal recalculation, if any
	OpenJob *store.Job
}

// Summary fetches everything the dashboard shows for one owner
func (q *QueryService) Summary(ctx context.Context, ownerID int64, today calendar.Date) (*Summary, error) {
	active, err := q.store.ActiveConfig(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	data := &Summary{OwnerID: ownerID, Active: active}

	latest, err := q.store.LatestDailyMetric(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		// No rows yet; counts below still apply
		latest = &store.DailyMetric{}
	} else {
		data.Latest = &MetricRow{DailyMetric: *latest, Stale: latest.ConfigVersion != active.Version}
	}

	end := calendar.Max(today, latest.Date)
	recent, err := q.DailyMetrics(ctx, ownerID, end.AddDays(-(ChartDays - 1)), end)
	if err != nil {
		return nil, err
	}
	data.Recent = recent

	if data.ActivityCount, err = q.store.CountActivities(ctx, ownerID); err != nil {
		return nil, err
	}
	if data.StaleActivities, err = q.store.CountStaleActivities(ctx, ownerID, active.Version); err != nil {
		return nil, err
	}
	if data.StaleRows, err = q.store.CountStaleMetrics(ctx, ownerID, active.Version); err != nil {
		return nil, err
	}

	job, err := q.store.OpenJob(ctx, ownerID)
	switch {
	case err == nil:
		data.OpenJob = &job
	case !errors.Is(err, store.ErrJobNotFound):
		return nil, err
	}

	return data, nil
}

// Jobs lists an owner's recalculation jobs, newest first, with their checkpoints
func (q *QueryService) Jobs(ctx context.Context, ownerID int64) ([]JobReport, error) {
	jobs, err := q.store.ListJobs(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	reports := make([]JobReport, 0, len(jobs))
	for _, job := range jobs {
		cps, err := q.store.Checkpoints(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		staged, err := q.store.StagedRowCount(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		reports = append(reports, JobReport{Job: job, Checkpoints: cps, StagedRows: staged})
	}
	return reports, nil
}
