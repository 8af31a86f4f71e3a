package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"loadengine/internal/analysis"
	"loadengine/internal/calcconfig"
	"loadengine/internal/calendar"
	"loadengine/internal/lock"
	"loadengine/internal/store"
)

// EngineOptions tune the recalculation engine
type EngineOptions struct {
	BatchesPerSecond float64 // 0 disables pacing
	Parallelism      int     // owners recalculated at once by RunPending
	AutoRollback     bool    // roll failed jobs back immediately
}

// Engine executes recalculation jobs. Each job replays an owner's history in
// monthly batches into staging, checkpointing after every batch, and swaps the
// result in atomically when the last batch is done.
type Engine struct {
	deps      Deps
	refresher *Refresher
	opts      EngineOptions
	limiter   *rate.Limiter

	// afterCommit runs after each committed batch; tests use it to interrupt a job
	afterCommit func(job store.Job, seq int)
}

// NewEngine creates a recalculation engine
func NewEngine(deps Deps, refresher *Refresher, opts EngineOptions) *Engine {
	limit := rate.Inf
	if opts.BatchesPerSecond > 0 {
		limit = rate.Limit(opts.BatchesPerSecond)
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	return &Engine{
		deps:      deps,
		refresher: refresher,
		opts:      opts,
		limiter:   rate.NewLimiter(limit, 1),
	}
}

// Run executes a pending job, or continues a running one from its last
// checkpoint. It holds the owner's lock until the job is terminal or interrupted.
// A cancelled context interrupts the job between database writes and leaves it
// running so Run can resume it later.
func (e *Engine) Run(ctx context.Context, jobID string) error {
	st := e.deps.Store

	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != store.JobPending && job.Status != store.JobRunning {
		return fmt.Errorf("%w: cannot run job %s in status %s", ErrInvalidTransition, job.ID, job.Status)
	}

	log := e.deps.Logger.With().Str("job_id", job.ID).Int64("owner_id", job.OwnerID).Logger()

	unlock, err := e.deps.Locker.TryLock(ctx, job.OwnerID)
	if errors.Is(err, lock.ErrLocked) {
		return fmt.Errorf("%w: owner %d is locked", ErrRecalcInProgress, job.OwnerID)
	}
	if err != nil {
		return err
	}
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := unlock(context.Background()); err != nil {
			log.Error().Err(err).Msg("releasing owner lock")
		}
	}
	defer release()

	resuming := job.Status == store.JobRunning
	if err := st.StartJob(ctx, job.ID); err != nil {
		if errors.Is(err, store.ErrJobStateChanged) {
			return fmt.Errorf("%w: job %s changed state", ErrInvalidTransition, job.ID)
		}
		return err
	}
	if !resuming {
		e.countTransition(store.JobRunning)
	}
	log.Info().Bool("resuming", resuming).Int("batches_done", job.BatchesDone).Msg("recalculation started")

	if e.deps.Metrics != nil {
		e.deps.Metrics.ActiveJobs.Inc()
		defer e.deps.Metrics.ActiveJobs.Dec()
	}

	err = e.execute(ctx, job, log)
	if err == nil {
		err = st.CompleteJob(ctx, job.ID)
	}

	switch {
	case err == nil:
		e.countTransition(store.JobCompleted)
		log.Info().Int64("version", job.TargetVersion).Msg("recalculation completed, version active")

	case ctx.Err() != nil:
		log.Warn().Err(err).Msg("recalculation interrupted, resumable from last checkpoint")
		return ctx.Err()

	case errors.Is(err, store.ErrJobStateChanged):
		err = e.lostJob(job, log)

	default:
		log.Error().Err(err).Msg("recalculation failed, live data untouched")
		if ferr := e.fail(context.Background(), job, err.Error(), log); ferr != nil {
			return errors.Join(err, ferr)
		}
		err = fmt.Errorf("recalculation job %s failed: %w", job.ID, err)
	}

	release()
	if rerr := e.refresher.refreshIfQueued(ctx, job.OwnerID); rerr != nil {
		log.Error().Err(rerr).Msg("replaying queued refresh")
	}
	return err
}

// lostJob reports a job whose state moved under this runner. A job still
// running or completed was taken over by another runner; anything else was
// stopped by an operator.
func (e *Engine) lostJob(job store.Job, log zerolog.Logger) error {
	current, err := e.deps.Store.GetJob(context.Background(), job.ID)
	if err != nil {
		log.Warn().Err(err).Msg("recalculation lost its job")
		return fmt.Errorf("%w: %s", ErrJobAborted, job.ID)
	}
	switch current.Status {
	case store.JobRunning, store.JobCompleted:
		log.Warn().
			Str("status", string(current.Status)).
			Int("batches_done", current.BatchesDone).
			Msg("recalculation job advanced by another runner")
		return fmt.Errorf("%w: job %s is %s", ErrJobAdvanced, job.ID, current.Status)
	default:
		log.Warn().Str("status", string(current.Status)).Msg("recalculation aborted by operator")
		return fmt.Errorf("%w: %s", ErrJobAborted, job.ID)
	}
}

// execute commits every remaining batch of job to staging
func (e *Engine) execute(ctx context.Context, job store.Job, log zerolog.Logger) error {
	st := e.deps.Store

	cfg, err := st.GetConfig(ctx, job.OwnerID, job.TargetVersion)
	if err != nil {
		return fmt.Errorf("reading target configuration: %w", err)
	}

	agg, start, err := e.restore(ctx, job, cfg)
	if err != nil {
		return err
	}
	if start.IsZero() {
		log.Info().Msg("owner has no activities, nothing to stage")
		return nil
	}

	seq := job.BatchesDone
	for _, batch := range calendar.MonthlyBatches(start, job.AsOf) {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}

		started := time.Now()
		seq++
		b, err := e.computeBatch(ctx, cfg, agg, batch, seq)
		if err != nil {
			return fmt.Errorf("computing batch %d: %w", seq, err)
		}
		if err := st.CommitBatch(ctx, job.ID, b); err != nil {
			return fmt.Errorf("committing batch %d: %w", seq, err)
		}

		if e.deps.Metrics != nil {
			e.deps.Metrics.ObserveBatch(started, len(b.Rows))
		}
		log.Debug().
			Int("seq", seq).
			Str("start", batch.Start.String()).
			Str("end", batch.End.String()).
			Int("rows", len(b.Rows)).
			Int("activities", len(b.Loads)).
			Msg("batch committed")

		if e.afterCommit != nil {
			e.afterCommit(job, seq)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// restore rebuilds the aggregator from the job's last checkpoint and returns the
// first date still to process. A zero date means there is nothing to do.
func (e *Engine) restore(ctx context.Context, job store.Job, cfg calcconfig.Config) (*analysis.Aggregator, calendar.Date, error) {
	st := e.deps.Store

	cp, err := st.LastCheckpoint(ctx, job.ID)
	if err != nil {
		return nil, calendar.Date{}, err
	}
	if cp != nil {
		var state analysis.AggregatorState
		if err := json.Unmarshal([]byte(cp.State), &state); err != nil {
			return nil, calendar.Date{}, fmt.Errorf("decoding checkpoint %d: %w", cp.Seq, err)
		}
		next := cp.BatchEnd.AddDays(1)
		if next.After(job.AsOf) {
			return analysis.RestoreAggregator(cfg.Params.Decay, state), calendar.Date{}, nil
		}
		return analysis.RestoreAggregator(cfg.Params.Decay, state), next, nil
	}

	first, ok, err := st.FirstActivityDate(ctx, job.OwnerID)
	if err != nil {
		return nil, calendar.Date{}, err
	}
	if !ok || first.After(job.AsOf) {
		return analysis.NewAggregator(cfg.Params.Decay), calendar.Date{}, nil
	}
	return analysis.NewAggregator(cfg.Params.Decay), first.MonthStart(), nil
}

// computeBatch derives the loads and rows of one date range
func (e *Engine) computeBatch(ctx context.Context, cfg calcconfig.Config, agg *analysis.Aggregator, r calendar.Range, seq int) (store.Batch, error) {
	st := e.deps.Store

	acts, err := st.ListActivities(ctx, cfg.OwnerID, r)
	if err != nil {
		return store.Batch{}, err
	}
	samples, err := st.SamplesInRange(ctx, cfg.OwnerID, r)
	if err != nil {
		return store.Batch{}, err
	}

	loads, derived := e.deps.computeLoads(cfg.OwnerID, cfg.Version, acts, samples, cfg.Params)

	days, err := analysis.BuildDailyMetrics(agg, analysis.SumDailyLoads(derived), r.End, cfg.Params.RatioStrategy)
	if err != nil {
		return store.Batch{}, err
	}
	rows := make([]store.DailyMetric, 0, len(days))
	for _, d := range days {
		rows = append(rows, store.NewDailyMetric(cfg.OwnerID, cfg.Version, d))
	}

	state, err := json.Marshal(agg.State())
	if err != nil {
		return store.Batch{}, fmt.Errorf("encoding aggregator state: %w", err)
	}

	return store.Batch{
		Checkpoint: store.Checkpoint{
			Seq:           seq,
			BatchStart:    r.Start,
			BatchEnd:      r.End,
			RowCount:      len(rows),
			ActivityCount: len(loads),
			Digest:        store.Digest(rows, loads),
			State:         string(state),
		},
		Rows:  rows,
		Loads: loads,
	}, nil
}

// fail moves a job to failed, discarding its staging, and rolls it back when
// configured to
func (e *Engine) fail(ctx context.Context, job store.Job, reason string, log zerolog.Logger) error {
	if err := e.deps.Store.FailJob(ctx, job.ID, reason); err != nil {
		if errors.Is(err, store.ErrJobStateChanged) {
			return nil
		}
		return fmt.Errorf("failing job: %w", err)
	}
	e.countTransition(store.JobFailed)

	if !e.opts.AutoRollback {
		return nil
	}
	if err := e.deps.Store.RollbackJob(ctx, job.ID); err != nil {
		return fmt.Errorf("rolling back job: %w", err)
	}
	e.countTransition(store.JobRolledBack)
	log.Info().Int64("version", job.TargetVersion).Msg("failed recalculation rolled back")
	return nil
}

// Resume continues a job left running by an interrupted process
func (e *Engine) Resume(ctx context.Context, jobID string) error {
	job, err := e.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != store.JobRunning {
		return fmt.Errorf("%w: only running jobs can be resumed, job %s is %s", ErrInvalidTransition, job.ID, job.Status)
	}
	return e.Run(ctx, jobID)
}

// ResumeInterrupted resumes every job left running
func (e *Engine) ResumeInterrupted(ctx context.Context) (*RunSummary, error) {
	jobs, err := e.deps.Store.JobsWithStatus(ctx, store.JobRunning)
	if err != nil {
		return nil, err
	}
	return e.runAll(ctx, jobs)
}

// RunPending runs every pending job, owners in parallel
func (e *Engine) RunPending(ctx context.Context) (*RunSummary, error) {
	jobs, err := e.deps.Store.JobsWithStatus(ctx, store.JobPending)
	if err != nil {
		return nil, err
	}
	return e.runAll(ctx, jobs)
}

// RunSummary reports the outcome of a group of jobs
type RunSummary struct {
	Completed []string
	Failed    map[string]error
}

// runAll runs jobs concurrently. One job failing does not stop the others; the
// returned error is only set when the context ends.
func (e *Engine) runAll(ctx context.Context, jobs []store.Job) (*RunSummary, error) {
	summary := &RunSummary{Failed: make(map[string]error)}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(e.opts.Parallelism)

	for _, job := range jobs {
		g.Go(func() error {
			err := e.Run(ctx, job.ID)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				summary.Completed = append(summary.Completed, job.ID)
			} else {
				summary.Failed[job.ID] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	return summary, ctx.Err()
}

// Abort is the operator action that fails a pending or running job. Staging is
// discarded and live data is untouched. A runner still working on the job stops
// at its next commit.
func (e *Engine) Abort(ctx context.Context, jobID, reason string) error {
	job, err := e.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "aborted by operator"
	}

	log := e.deps.Logger.With().Str("job_id", job.ID).Int64("owner_id", job.OwnerID).Logger()

	if err := e.deps.Store.FailJob(ctx, jobID, reason); err != nil {
		if errors.Is(err, store.ErrJobStateChanged) {
			return fmt.Errorf("%w: cannot abort job %s in status %s", ErrInvalidTransition, job.ID, job.Status)
		}
		return err
	}
	e.countTransition(store.JobFailed)
	log.Warn().Str("reason", reason).Msg("recalculation aborted")

	if e.opts.AutoRollback {
		if err := e.Rollback(ctx, jobID); err != nil {
			return err
		}
		return nil
	}
	return e.refresher.refreshIfQueued(ctx, job.OwnerID)
}

// Rollback moves a failed job to rolled_back, abandoning its target version
func (e *Engine) Rollback(ctx context.Context, jobID string) error {
	job, err := e.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if err := e.deps.Store.RollbackJob(ctx, jobID); err != nil {
		if errors.Is(err, store.ErrJobStateChanged) {
			return fmt.Errorf("%w: only failed jobs can be rolled back, job %s is %s", ErrInvalidTransition, job.ID, job.Status)
		}
		return err
	}
	e.countTransition(store.JobRolledBack)
	e.deps.Logger.Info().
		Str("job_id", job.ID).
		Int64("owner_id", job.OwnerID).
		Int64("version", job.TargetVersion).
		Msg("recalculation rolled back")

	return e.refresher.refreshIfQueued(ctx, job.OwnerID)
}

// JobReport is a job with its checkpoints and staging size
type JobReport struct {
	Job         store.Job
	Checkpoints []store.Checkpoint
	StagedRows  int
}

// Status reports the progress of a job
func (e *Engine) Status(ctx context.Context, jobID string) (*JobReport, error) {
	job, err := e.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	cps, err := e.deps.Store.Checkpoints(ctx, jobID)
	if err != nil {
		return nil, err
	}
	staged, err := e.deps.Store.StagedRowCount(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobReport{Job: job, Checkpoints: cps, StagedRows: staged}, nil
}

func (e *Engine) countTransition(status store.JobStatus) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.JobTransition(string(status))
	}
}
