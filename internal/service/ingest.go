package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"loadengine/internal/analysis"
	"loadengine/internal/calendar"
	"loadengine/internal/store"
)

// Record is one activity as delivered by the ingestion feed
type Record struct {
	OwnerID       int64         `json:"owner_id"`
	ActivityID    int64         `json:"activity_id"`
	Name          string        `json:"name"`
	Discipline    string        `json:"discipline"`
	Date          calendar.Date `json:"date"`
	Distance      float64       `json:"distance"`       // metres
	ElevationGain float64       `json:"elevation_gain"` // metres
	Duration      int           `json:"duration"`       // seconds
	AverageSpeed  *float64      `json:"average_speed,omitempty"`
	Heartrate     []Sample      `json:"heartrate,omitempty"`
}

// Sample is one heart rate reading in the feed
type Sample struct {
	Offset    float64 `json:"t"`  // seconds from start
	Heartrate float64 `json:"hr"` // bpm
}

// ErrInvalidRecord is returned for feed records that cannot be stored
var ErrInvalidRecord = errors.New("invalid activity record")

// Validate rejects records without a stable identity or with unusable raw values.
// Heart rate problems are not rejected here; the impulse calculator falls back instead.
func (r Record) Validate() error {
	switch {
	case r.OwnerID <= 0:
		return fmt.Errorf("%w: owner_id must be positive", ErrInvalidRecord)
	case r.ActivityID <= 0:
		return fmt.Errorf("%w: activity_id must be positive", ErrInvalidRecord)
	case r.Date.IsZero():
		return fmt.Errorf("%w: activity %d has no date", ErrInvalidRecord, r.ActivityID)
	case r.Discipline == "":
		return fmt.Errorf("%w: activity %d has no discipline", ErrInvalidRecord, r.ActivityID)
	case !nonNegative(r.Distance):
		return fmt.Errorf("%w: activity %d distance %v", ErrInvalidRecord, r.ActivityID, r.Distance)
	case !nonNegative(r.ElevationGain):
		return fmt.Errorf("%w: activity %d elevation_gain %v", ErrInvalidRecord, r.ActivityID, r.ElevationGain)
	case r.Duration < 0:
		return fmt.Errorf("%w: activity %d duration %d", ErrInvalidRecord, r.ActivityID, r.Duration)
	}
	return nil
}

func nonNegative(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0) && f >= 0
}

// ReadFeed decodes a JSON array of records
func ReadFeed(r io.Reader) ([]Record, error) {
	var records []Record
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("decoding feed: %w", err)
	}
	return records, nil
}

// IngestResult summarizes one ingestion call
type IngestResult struct {
	Created   int
	Updated   int
	Unchanged int
	Rejected  []error
	Onboarded []int64
	Refreshed []int64
	Queued    []int64
}

// IngestService stores activities from the feed and keeps live metrics current
type IngestService struct {
	deps      Deps
	refresher *Refresher
	defaults  analysis.Params
}

// NewIngestService creates an ingestion service. defaults are the calculation
// parameters given to owners seen for the first time.
func NewIngestService(deps Deps, refresher *Refresher, defaults analysis.Params) *IngestService {
	return &IngestService{deps: deps, refresher: refresher, defaults: defaults}
}

// Ingest upserts every valid record keyed by (owner, activity). Duplicate and
// out-of-order delivery are harmless. Each owner whose data changed is refreshed,
// or queued when a recalculation job is open for them.
func (s *IngestService) Ingest(ctx context.Context, records []Record) (*IngestResult, error) {
	result := &IngestResult{}
	st := s.deps.Store
	onboarded := make(map[int64]bool)
	changed := make(map[int64]bool)

	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			result.Rejected = append(result.Rejected, err)
			s.deps.Logger.Warn().Err(err).Msg("record rejected")
			continue
		}

		if !onboarded[rec.OwnerID] {
			_, created, err := st.Onboard(ctx, rec.OwnerID, s.defaults)
			if err != nil {
				return result, fmt.Errorf("onboarding owner %d: %w", rec.OwnerID, err)
			}
			if created {
				result.Onboarded = append(result.Onboarded, rec.OwnerID)
				s.deps.Logger.Info().Int64("owner_id", rec.OwnerID).Msg("owner onboarded with default configuration")
			}
			onboarded[rec.OwnerID] = true
		}

		a, samples := rec.toStore()
		res, err := st.UpsertActivity(ctx, a, samples)
		if err != nil {
			return result, fmt.Errorf("storing activity %d: %w", rec.ActivityID, err)
		}

		switch res {
		case store.ActivityCreated:
			result.Created++
			changed[rec.OwnerID] = true
		case store.ActivityUpdated:
			result.Updated++
			changed[rec.OwnerID] = true
		default:
			result.Unchanged++
		}
	}

	owners := make([]int64, 0, len(changed))
	for owner := range changed {
		owners = append(owners, owner)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })

	for _, owner := range owners {
		res, err := s.refresher.Refresh(ctx, owner)
		if err != nil {
			return result, fmt.Errorf("refreshing owner %d: %w", owner, err)
		}
		if res == RefreshQueued {
			result.Queued = append(result.Queued, owner)
		} else {
			result.Refreshed = append(result.Refreshed, owner)
		}
	}

	s.deps.Logger.Info().
		Int("created", result.Created).
		Int("updated", result.Updated).
		Int("unchanged", result.Unchanged).
		Int("rejected", len(result.Rejected)).
		Msg("ingestion complete")
	return result, nil
}

func (r Record) toStore() (store.Activity, []store.HRSample) {
	a := store.Activity{
		OwnerID:       r.OwnerID,
		ID:            r.ActivityID,
		Name:          r.Name,
		Discipline:    r.Discipline,
		Date:          r.Date,
		Distance:      r.Distance,
		ElevationGain: r.ElevationGain,
		Duration:      r.Duration,
		AverageSpeed:  r.AverageSpeed,
		HasHeartrate:  len(r.Heartrate) > 0,
	}

	samples := make([]store.HRSample, len(r.Heartrate))
	for i, h := range r.Heartrate {
		samples[i] = store.HRSample{
			OwnerID:    r.OwnerID,
			ActivityID: r.ActivityID,
			Seq:        i,
			TimeOffset: h.Offset,
			Heartrate:  h.Heartrate,
		}
	}
	return a, samples
}
