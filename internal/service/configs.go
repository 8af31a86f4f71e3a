package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"loadengine/internal/analysis"
	"loadengine/internal/calcconfig"
	"loadengine/internal/store"
)

// ConfigService manages versioned calculation configurations and algorithm rollout
type ConfigService struct {
	deps     Deps
	defaults analysis.Params
}

// NewConfigService creates a configuration service
func NewConfigService(deps Deps, defaults analysis.Params) *ConfigService {
	return &ConfigService{deps: deps, defaults: defaults}
}

// EnsureOwner onboards an owner with the default configuration if they have none
func (s *ConfigService) EnsureOwner(ctx context.Context, ownerID int64) (calcconfig.Config, error) {
	if _, _, err := s.deps.Store.Onboard(ctx, ownerID, s.defaults); err != nil {
		return calcconfig.Config{}, err
	}
	return s.deps.Store.ActiveConfig(ctx, ownerID)
}

// Active returns the configuration an owner's live data is computed under
func (s *ConfigService) Active(ctx context.Context, ownerID int64) (calcconfig.Config, error) {
	return s.deps.Store.ActiveConfig(ctx, ownerID)
}

// History returns every configuration version of an owner, oldest first
func (s *ConfigService) History(ctx context.Context, ownerID int64) ([]calcconfig.Config, error) {
	return s.deps.Store.ListConfigs(ctx, ownerID)
}

// RequestChange validates a change against the owner's active configuration,
// writes it as a new immutable version and enqueues the recalculation job that
// will activate it. Invalid changes and conflicting requests write nothing.
func (s *ConfigService) RequestChange(ctx context.Context, ownerID int64, change calcconfig.Change) (calcconfig.Config, store.Job, error) {
	if change.Empty() {
		return calcconfig.Config{}, store.Job{}, ErrNoChange
	}

	active, err := s.EnsureOwner(ctx, ownerID)
	if err != nil {
		return calcconfig.Config{}, store.Job{}, fmt.Errorf("reading active configuration: %w", err)
	}

	params := change.Apply(active.Params)
	if err := calcconfig.Validate(params); err != nil {
		return calcconfig.Config{}, store.Job{}, err
	}

	if params.AlgorithmVersion != active.Params.AlgorithmVersion {
		rollout, err := s.deps.Store.GetRollout(ctx, params.AlgorithmVersion)
		if err != nil {
			return calcconfig.Config{}, store.Job{}, err
		}
		if !rollout.Enabled(ownerID) {
			return calcconfig.Config{}, store.Job{}, fmt.Errorf("%w: owner %d, algorithm %d",
				ErrAlgorithmNotEnabled, ownerID, params.AlgorithmVersion)
		}
	}

	return s.createVersion(ctx, ownerID, params)
}

func (s *ConfigService) createVersion(ctx context.Context, ownerID int64, params analysis.Params) (calcconfig.Config, store.Job, error) {
	asOf := s.deps.today()
	last, err := s.deps.Store.LastActivityDate(ctx, ownerID)
	if err != nil {
		return calcconfig.Config{}, store.Job{}, err
	}
	if last.After(asOf) {
		asOf = last
	}

	cfg, job, err := s.deps.Store.CreateVersionWithJob(ctx, ownerID, params, uuid.NewString(), asOf)
	if errors.Is(err, store.ErrJobConflict) {
		return calcconfig.Config{}, store.Job{}, fmt.Errorf("%w: owner %d", ErrRecalcInProgress, ownerID)
	}
	if err != nil {
		return calcconfig.Config{}, store.Job{}, err
	}

	s.deps.Logger.Info().
		Int64("owner_id", ownerID).
		Int64("version", cfg.Version).
		Int("algorithm_version", params.AlgorithmVersion).
		Str("job_id", job.ID).
		Msg("configuration version created, recalculation enqueued")
	if s.deps.Metrics != nil {
		s.deps.Metrics.JobTransition(string(store.JobPending))
	}
	return cfg, job, nil
}

// IsOnAlgorithm reports whether an owner's active configuration runs algorithm n
func (s *ConfigService) IsOnAlgorithm(ctx context.Context, ownerID int64, n int) (bool, error) {
	cfg, err := s.deps.Store.ActiveConfig(ctx, ownerID)
	if errors.Is(err, store.ErrConfigNotFound) {
		return n == s.defaults.AlgorithmVersion, nil
	}
	if err != nil {
		return false, err
	}
	return cfg.Params.AlgorithmVersion == n, nil
}

// Rollout returns the rollout of an algorithm version
func (s *ConfigService) Rollout(ctx context.Context, algorithm int) (calcconfig.Rollout, error) {
	return s.deps.Store.GetRollout(ctx, algorithm)
}

// SetRollout stores the eligibility rules of an algorithm version
func (s *ConfigService) SetRollout(ctx context.Context, r calcconfig.Rollout) error {
	if r.AlgorithmVersion <= analysis.AlgorithmContinuous || r.AlgorithmVersion > analysis.LatestAlgorithm {
		return fmt.Errorf("rollout algorithm_version must be between %d and %d, got %d",
			analysis.AlgorithmContinuous+1, analysis.LatestAlgorithm, r.AlgorithmVersion)
	}
	if r.Percent < 0 || r.Percent > 100 {
		return fmt.Errorf("rollout percent must be between 0 and 100, got %d", r.Percent)
	}
	if err := s.deps.Store.SaveRollout(ctx, r); err != nil {
		return err
	}
	s.deps.Logger.Info().
		Int("algorithm_version", r.AlgorithmVersion).
		Int("percent", r.Percent).
		Int("allow", len(r.Allow)).
		Msg("rollout updated")
	return nil
}

// RolloutResult summarizes ApplyRollout
type RolloutResult struct {
	Enqueued   []store.Job
	Busy       []int64 // eligible owners skipped because a job is already open
	Ineligible int
	AlreadyOn  int
}

// ApplyRollout moves every eligible owner onto algorithm n by creating a new
// configuration version and recalculation job for each
func (s *ConfigService) ApplyRollout(ctx context.Context, n int) (*RolloutResult, error) {
	rollout, err := s.deps.Store.GetRollout(ctx, n)
	if err != nil {
		return nil, err
	}
	owners, err := s.deps.Store.Owners(ctx)
	if err != nil {
		return nil, err
	}

	result := &RolloutResult{}
	for _, owner := range owners {
		if !rollout.Enabled(owner) {
			result.Ineligible++
			continue
		}
		active, err := s.EnsureOwner(ctx, owner)
		if err != nil {
			return result, err
		}
		if active.Params.AlgorithmVersion == n {
			result.AlreadyOn++
			continue
		}

		params := active.Params.Clone()
		params.AlgorithmVersion = n
		if err := calcconfig.Validate(params); err != nil {
			s.deps.Logger.Warn().Err(err).Int64("owner_id", owner).Msg("owner configuration cannot run algorithm")
			result.Ineligible++
			continue
		}

		_, job, err := s.createVersion(ctx, owner, params)
		if errors.Is(err, ErrRecalcInProgress) {
			result.Busy = append(result.Busy, owner)
			continue
		}
		if err != nil {
			return result, err
		}
		result.Enqueued = append(result.Enqueued, job)
	}
	return result, nil
}
