package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"loadengine/internal/analysis"
	"loadengine/internal/calcconfig"
	"loadengine/internal/calendar"
	"loadengine/internal/lock"
	"loadengine/internal/store"
	"loadengine/internal/telemetry"
)

var (
	// ErrRecalcInProgress is returned when an owner already has an open recalculation job
	ErrRecalcInProgress = errors.New("recalculation already in progress for owner")

	// ErrInvalidTransition is returned when a job is not in a state the operation accepts
	ErrInvalidTransition = errors.New("invalid recalculation job transition")

	// ErrAlgorithmNotEnabled is returned when an owner is not eligible for an algorithm version
	ErrAlgorithmNotEnabled = errors.New("algorithm version not enabled for owner")

	// ErrIntegrity is returned when staged rows no longer match their checkpoints
	ErrIntegrity = store.ErrIntegrity

	// ErrJobAborted is returned by a runner whose job was failed underneath it
	ErrJobAborted = errors.New("recalculation job aborted")

	// ErrJobAdvanced is returned by a runner that lost its job to another runner
	ErrJobAdvanced = errors.New("recalculation job advanced by another runner")

	// ErrNoChange is returned for a configuration change request that changes nothing
	ErrNoChange = errors.New("configuration change is empty")
)

// Deps are the collaborators shared by every service
type Deps struct {
	Store   *store.Store
	Locker  lock.Locker
	Metrics *telemetry.Metrics
	Logger  zerolog.Logger
	// Today returns the current date; rows are computed through it
	Today func() calendar.Date
}

func (d Deps) today() calendar.Date {
	if d.Today != nil {
		return d.Today()
	}
	return calendar.Today()
}

// computeLoads derives the loads of stored activities under p. Data-quality
// fallbacks are logged and counted but never fail the activity.
func (d Deps) computeLoads(ownerID, version int64, acts []store.Activity, samples map[int64][]store.HRSample, p analysis.Params) ([]store.ActivityLoad, []analysis.ActivityLoad) {
	stored := make([]store.ActivityLoad, 0, len(acts))
	derived := make([]analysis.ActivityLoad, 0, len(acts))

	for _, a := range acts {
		in := analysis.ActivityInput{
			ID:            a.ID,
			Date:          a.Date,
			Discipline:    a.Discipline,
			Distance:      a.Distance,
			ElevationGain: a.ElevationGain,
			Samples:       toAnalysisSamples(samples[a.ID]),
		}
		l := analysis.ComputeActivityLoad(in, p)

		switch l.ImpulseFallback {
		case analysis.FallbackNone, analysis.FallbackNoSamples:
		default:
			d.Logger.Warn().
				Int64("owner_id", ownerID).
				Int64("activity_id", a.ID).
				Str("reason", string(l.ImpulseFallback)).
				Msg("heart rate stream discarded, impulse set to zero")
			if d.Metrics != nil {
				d.Metrics.ImpulseFallback(string(l.ImpulseFallback))
			}
		}
		if l.DefaultRule {
			d.Logger.Warn().
				Int64("owner_id", ownerID).
				Int64("activity_id", a.ID).
				Str("discipline", a.Discipline).
				Msg("no equivalency rule for discipline, using foot rule")
			if d.Metrics != nil {
				d.Metrics.DefaultRule.Inc()
			}
		}

		derived = append(derived, l)
		stored = append(stored, store.ActivityLoad{
			OwnerID:            ownerID,
			ActivityID:         a.ID,
			Date:               a.Date,
			EquivalentDistance: l.EquivalentDistance,
			Impulse:            l.Impulse,
			ConfigVersion:      version,
			RawDigest:          a.RawDigest,
		})
	}
	return stored, derived
}

func toAnalysisSamples(in []store.HRSample) []analysis.HRSample {
	if len(in) == 0 {
		return nil
	}
	out := make([]analysis.HRSample, len(in))
	for i, s := range in {
		out[i] = analysis.HRSample{Offset: s.TimeOffset, Heartrate: s.Heartrate}
	}
	return out
}

// buildHistory recomputes every load and daily row of an owner through `through`
func (d Deps) buildHistory(ctx context.Context, cfg calcconfig.Config, through calendar.Date) ([]store.DailyMetric, []store.ActivityLoad, error) {
	acts, err := d.Store.ListActivities(ctx, cfg.OwnerID, calendar.Range{})
	if err != nil {
		return nil, nil, err
	}
	samples, err := d.Store.SamplesInRange(ctx, cfg.OwnerID, calendar.Range{})
	if err != nil {
		return nil, nil, err
	}

	stored, derived := d.computeLoads(cfg.OwnerID, cfg.Version, acts, samples, cfg.Params)

	// Rows extend to the latest activity when it is dated after `through`
	last := through
	for _, l := range derived {
		last = calendar.Max(last, l.Date)
	}

	agg := analysis.NewAggregator(cfg.Params.Decay)
	days, err := analysis.BuildDailyMetrics(agg, analysis.SumDailyLoads(derived), last, cfg.Params.RatioStrategy)
	if err != nil {
		return nil, nil, fmt.Errorf("aggregating: %w", err)
	}

	rows := make([]store.DailyMetric, 0, len(days))
	for _, day := range days {
		rows = append(rows, store.NewDailyMetric(cfg.OwnerID, cfg.Version, day))
	}
	return rows, stored, nil
}
