package service

import (
	"context"
	"errors"
	"fmt"

	"loadengine/internal/lock"
	"loadengine/internal/store"
)

// RefreshResult says what happened to a refresh request
type RefreshResult string

const (
	RefreshApplied RefreshResult = "applied" // live rows rebuilt under the active version
	RefreshQueued  RefreshResult = "queued"  // deferred until the owner's job finishes
)

// Refresher rebuilds an owner's live metrics under their active configuration.
// It never runs while the owner has an open recalculation job or is locked;
// such requests are queued and replayed once the job is terminal.
type Refresher struct {
	deps Deps
}

// NewRefresher creates a refresher
func NewRefresher(deps Deps) *Refresher {
	return &Refresher{deps: deps}
}

// Refresh rebuilds or queues an owner's metrics
func (r *Refresher) Refresh(ctx context.Context, ownerID int64) (RefreshResult, error) {
	st := r.deps.Store
	log := r.deps.Logger.With().Int64("owner_id", ownerID).Logger()

	unlock, err := r.deps.Locker.TryLock(ctx, ownerID)
	if errors.Is(err, lock.ErrLocked) {
		return r.queue(ctx, ownerID, "owner locked")
	}
	if err != nil {
		return "", err
	}
	defer func() {
		if err := unlock(context.Background()); err != nil {
			log.Error().Err(err).Msg("releasing owner lock")
		}
	}()

	if _, err := st.OpenJob(ctx, ownerID); err == nil {
		return r.queue(ctx, ownerID, "recalculation open")
	} else if !errors.Is(err, store.ErrJobNotFound) {
		return "", err
	}

	cfg, err := st.ActiveConfig(ctx, ownerID)
	if err != nil {
		return "", fmt.Errorf("reading active configuration: %w", err)
	}

	// Cleared before history is read: a request queued while this refresh
	// computes stays queued and is replayed by the next sweep.
	if err := st.ClearRefresh(ctx, ownerID); err != nil {
		return "", err
	}

	rows, loads, err := r.deps.buildHistory(ctx, cfg, r.deps.today())
	if err != nil {
		return r.requeue(ownerID, err)
	}

	err = st.ReplaceLiveMetrics(ctx, ownerID, cfg.Version, rows, loads)
	if errors.Is(err, store.ErrJobConflict) || errors.Is(err, store.ErrActiveVersionChanged) {
		return r.queue(ctx, ownerID, err.Error())
	}
	if err != nil {
		return r.requeue(ownerID, fmt.Errorf("replacing live metrics: %w", err))
	}

	r.count(string(RefreshApplied))
	log.Debug().Int64("version", cfg.Version).Int("rows", len(rows)).Msg("metrics refreshed")
	return RefreshApplied, nil
}

// requeue restores the queue entry of a refresh that failed after clearing it
func (r *Refresher) requeue(ownerID int64, cause error) (RefreshResult, error) {
	r.count("error")
	if err := r.deps.Store.QueueRefresh(context.Background(), ownerID); err != nil {
		r.deps.Logger.Error().Err(err).Int64("owner_id", ownerID).Msg("restoring queued refresh")
	}
	return "", cause
}

func (r *Refresher) queue(ctx context.Context, ownerID int64, why string) (RefreshResult, error) {
	if err := r.deps.Store.QueueRefresh(ctx, ownerID); err != nil {
		return "", err
	}
	r.count(string(RefreshQueued))
	r.deps.Logger.Info().Int64("owner_id", ownerID).Str("reason", why).Msg("refresh queued")
	return RefreshQueued, nil
}

// ProcessQueued refreshes every queued owner that is no longer blocked and
// returns how many were applied
func (r *Refresher) ProcessQueued(ctx context.Context) (int, error) {
	owners, err := r.deps.Store.PendingRefreshes(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, owner := range owners {
		res, err := r.Refresh(ctx, owner)
		if err != nil {
			return applied, fmt.Errorf("refreshing owner %d: %w", owner, err)
		}
		if res == RefreshApplied {
			applied++
		}
	}
	return applied, nil
}

// refreshIfQueued replays a queued refresh for one owner
func (r *Refresher) refreshIfQueued(ctx context.Context, ownerID int64) error {
	queued, err := r.deps.Store.RefreshQueued(ctx, ownerID)
	if err != nil || !queued {
		return err
	}
	_, err = r.Refresh(ctx, ownerID)
	return err
}

func (r *Refresher) count(result string) {
	if r.deps.Metrics != nil {
		r.deps.Metrics.Refresh(result)
	}
}
