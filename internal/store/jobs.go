package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"loadengine/internal/analysis"
	"loadengine/internal/calcconfig"
	"loadengine/internal/calendar"
)

type jobRow struct {
	ID              string         `db:"id"`
	OwnerID         int64          `db:"owner_id"`
	TargetVersion   int64          `db:"target_version"`
	PreviousVersion int64          `db:"previous_version"`
	Status          string         `db:"status"`
	AsOf            calendar.Date  `db:"as_of"`
	Cursor          calendar.Date  `db:"cursor"`
	BatchesDone     int            `db:"batches_done"`
	Error           sql.NullString `db:"error"`
	CreatedAt       string         `db:"created_at"`
	StartedAt       *string        `db:"started_at"`
	FinishedAt      *string        `db:"finished_at"`
}

func (r jobRow) toJob() Job {
	return Job{
		ID:              r.ID,
		OwnerID:         r.OwnerID,
		TargetVersion:   r.TargetVersion,
		PreviousVersion: r.PreviousVersion,
		Status:          JobStatus(r.Status),
		AsOf:            r.AsOf,
		Cursor:          r.Cursor,
		BatchesDone:     r.BatchesDone,
		Error:           r.Error.String,
		CreatedAt:       parseTime(r.CreatedAt),
		StartedAt:       parseTimePtr(r.StartedAt),
		FinishedAt:      parseTimePtr(r.FinishedAt),
	}
}

const jobColumns = `id, owner_id, target_version, previous_version, status, as_of, cursor,
	batches_done, error, created_at, started_at, finished_at`

const openStatuses = `('pending', 'running', 'failed')`

// Batch is everything one committed batch writes
type Batch struct {
	Checkpoint Checkpoint
	Rows       []DailyMetric
	Loads      []ActivityLoad
}

// CreateVersionWithJob appends a configuration version for an owner and enqueues a
// pending job targeting it, in one transaction. It fails with ErrJobConflict before
// writing anything when the owner already has an open job.
func (s *Store) CreateVersionWithJob(ctx context.Context, ownerID int64, p analysis.Params, jobID string, asOf calendar.Date) (calcconfig.Config, Job, error) {
	var (
		cfg calcconfig.Config
		job Job
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var open int
		if err := tx.GetContext(ctx, &open,
			`SELECT COUNT(*) FROM recalc_jobs WHERE owner_id = ? AND status IN `+openStatuses, ownerID); err != nil {
			return fmt.Errorf("checking open jobs: %w", err)
		}
		if open > 0 {
			return ErrJobConflict
		}

		var previous int64
		err := tx.GetContext(ctx, &previous, `SELECT version FROM active_configs WHERE owner_id = ?`, ownerID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrConfigNotFound
		}
		if err != nil {
			return fmt.Errorf("reading active version: %w", err)
		}

		cfg, err = s.insertConfig(ctx, tx, ownerID, p)
		if err != nil {
			return err
		}

		now := s.now()
		job = Job{
			ID:              jobID,
			OwnerID:         ownerID,
			TargetVersion:   cfg.Version,
			PreviousVersion: previous,
			Status:          JobPending,
			AsOf:            asOf,
			CreatedAt:       parseTime(formatTime(now)),
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO recalc_jobs (id, owner_id, target_version, previous_version, status, as_of, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, job.ID, ownerID, job.TargetVersion, previous, string(JobPending), asOf, formatTime(now))
		if isUniqueViolation(err) {
			return ErrJobConflict
		}
		if err != nil {
			return fmt.Errorf("inserting job: %w", err)
		}
		return nil
	})
	if err != nil {
		return calcconfig.Config{}, Job{}, err
	}
	return cfg, job, nil
}

// GetJob retrieves a job by id
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	return getJob(ctx, s.db, id)
}

func getJob(ctx context.Context, q sqlx.QueryerContext, id string) (Job, error) {
	var row jobRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+jobColumns+` FROM recalc_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, err
	}
	return row.toJob(), nil
}

// OpenJob returns an owner's non-terminal job, or ErrJobNotFound
func (s *Store) OpenJob(ctx context.Context, ownerID int64) (Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+jobColumns+` FROM recalc_jobs WHERE owner_id = ? AND status IN `+openStatuses, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, err
	}
	return row.toJob(), nil
}

// ListJobs returns an owner's jobs, newest first
func (s *Store) ListJobs(ctx context.Context, ownerID int64) ([]Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM recalc_jobs WHERE owner_id = ? ORDER BY created_at DESC, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return toJobs(rows), nil
}

// JobsWithStatus returns every job in one of the given states, oldest first
func (s *Store) JobsWithStatus(ctx context.Context, statuses ...JobStatus) ([]Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	marks := make([]string, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
		marks[i] = "?"
	}

	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+jobColumns+` FROM recalc_jobs
		WHERE status IN (`+strings.Join(marks, ", ")+`)
		ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return toJobs(rows), nil
}

func toJobs(rows []jobRow) []Job {
	out := make([]Job, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toJob())
	}
	return out
}

// StartJob moves a pending job to running. Starting a job that is already running
// (resuming after an interruption) is allowed and keeps its original start time.
func (s *Store) StartJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recalc_jobs
		SET status = 'running', started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status IN ('pending', 'running')
	`, formatTime(s.now()), id)
	return expectOneRow(res, err, "starting job")
}

// CommitBatch writes one batch to staging together with its checkpoint and the
// advanced cursor. It only succeeds while the job is running and the checkpoint
// directly follows the last one, so a batch is never committed twice.
func (s *Store) CommitBatch(ctx context.Context, jobID string, b Batch) error {
	cp := b.Checkpoint
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE recalc_jobs SET cursor = ?, batches_done = ?
			WHERE id = ? AND status = 'running' AND batches_done = ?
		`, cp.BatchEnd, cp.Seq, jobID, cp.Seq-1)
		if err := expectOneRow(res, err, "advancing cursor"); err != nil {
			return err
		}

		loadStmt, err := tx.PreparexContext(ctx, `
			INSERT INTO staged_activity_loads (
				job_id, owner_id, activity_id, activity_date, equivalent_distance, impulse, config_version, raw_digest
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("preparing statement: %w", err)
		}
		defer loadStmt.Close()

		for _, l := range b.Loads {
			if _, err := loadStmt.ExecContext(ctx, jobID, l.OwnerID, l.ActivityID, l.Date,
				l.EquivalentDistance, l.Impulse, l.ConfigVersion, l.RawDigest); err != nil {
				return fmt.Errorf("staging activity load: %w", err)
			}
		}

		if err := insertMetrics(ctx, tx, "staged_daily_metrics", jobID, b.Rows); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO recalc_checkpoints (
				job_id, seq, batch_start, batch_end, row_count, activity_count, digest, state, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, jobID, cp.Seq, cp.BatchStart, cp.BatchEnd, cp.RowCount, cp.ActivityCount, cp.Digest, cp.State,
			formatTime(s.now()))
		if err != nil {
			return fmt.Errorf("inserting checkpoint: %w", err)
		}
		return nil
	})
}

const checkpointColumns = `job_id, seq, batch_start, batch_end, row_count, activity_count, digest, state`

// Checkpoints returns a job's checkpoints in commit order
func (s *Store) Checkpoints(ctx context.Context, jobID string) ([]Checkpoint, error) {
	return checkpoints(ctx, s.db, jobID)
}

func checkpoints(ctx context.Context, q sqlx.QueryerContext, jobID string) ([]Checkpoint, error) {
	var out []Checkpoint
	err := sqlx.SelectContext(ctx, q, &out,
		`SELECT `+checkpointColumns+` FROM recalc_checkpoints WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoints: %w", err)
	}
	return out, nil
}

// LastCheckpoint returns a job's most recent checkpoint, or nil before the first batch
func (s *Store) LastCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.db.GetContext(ctx, &cp, `
		SELECT `+checkpointColumns+` FROM recalc_checkpoints
		WHERE job_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// StagedMetrics returns a job's staged rows inside r ordered by date
func (s *Store) StagedMetrics(ctx context.Context, jobID string, r calendar.Range) ([]DailyMetric, error) {
	return stagedMetrics(ctx, s.db, jobID, r)
}

func stagedMetrics(ctx context.Context, q sqlx.QueryerContext, jobID string, r calendar.Range) ([]DailyMetric, error) {
	var out []DailyMetric
	err := sqlx.SelectContext(ctx, q, &out, `
		SELECT `+metricColumns+` FROM staged_daily_metrics
		WHERE job_id = ? AND metric_date >= ? AND metric_date <= ?
		ORDER BY metric_date
	`, jobID, r.Start, r.End)
	if err != nil {
		return nil, fmt.Errorf("reading staged rows: %w", err)
	}
	return out, nil
}

func stagedLoads(ctx context.Context, q sqlx.QueryerContext, jobID string, r calendar.Range) ([]ActivityLoad, error) {
	var out []ActivityLoad
	err := sqlx.SelectContext(ctx, q, &out, `
		SELECT owner_id, activity_id, activity_date, equivalent_distance, impulse, config_version, raw_digest
		FROM staged_activity_loads
		WHERE job_id = ? AND activity_date >= ? AND activity_date <= ?
		ORDER BY activity_date, activity_id
	`, jobID, r.Start, r.End)
	if err != nil {
		return nil, fmt.Errorf("reading staged loads: %w", err)
	}
	return out, nil
}

// CompleteJob swaps a running job's staging in as the owner's live data. In one
// transaction it re-verifies every checkpoint digest against staging, replaces the
// live rows, copies the staged activity loads, activates the target version and
// marks the job completed. Nothing is written when verification fails.
func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		job, err := getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status != JobRunning {
			return fmt.Errorf("%w: job %s is %s", ErrJobStateChanged, jobID, job.Status)
		}

		cps, err := checkpoints(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if len(cps) != job.BatchesDone {
			return fmt.Errorf("%w: %d checkpoints for %d batches", ErrIntegrity, len(cps), job.BatchesDone)
		}

		var totalRows int
		for _, cp := range cps {
			r := calendar.Range{Start: cp.BatchStart, End: cp.BatchEnd}
			rows, err := stagedMetrics(ctx, tx, jobID, r)
			if err != nil {
				return err
			}
			loads, err := stagedLoads(ctx, tx, jobID, r)
			if err != nil {
				return err
			}
			if len(rows) != cp.RowCount || len(loads) != cp.ActivityCount || Digest(rows, loads) != cp.Digest {
				return fmt.Errorf("%w: batch %d (%s..%s)", ErrIntegrity, cp.Seq, cp.BatchStart, cp.BatchEnd)
			}
			totalRows += cp.RowCount
		}

		var staged int
		if err := tx.GetContext(ctx, &staged,
			`SELECT COUNT(*) FROM staged_daily_metrics WHERE job_id = ?`, jobID); err != nil {
			return fmt.Errorf("counting staged rows: %w", err)
		}
		if staged != totalRows {
			return fmt.Errorf("%w: %d staged rows, checkpoints cover %d", ErrIntegrity, staged, totalRows)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM daily_metrics WHERE owner_id = ?`, job.OwnerID); err != nil {
			return fmt.Errorf("deleting live rows: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO daily_metrics (`+metricColumns+`)
			SELECT `+metricColumns+` FROM staged_daily_metrics WHERE job_id = ?
		`, jobID); err != nil {
			return fmt.Errorf("swapping rows: %w", err)
		}

		// Activities whose raw data changed after staging stay stale
		if _, err := tx.ExecContext(ctx, `
			UPDATE activities SET
				equivalent_distance = s.equivalent_distance,
				impulse = s.impulse,
				computed_version = s.config_version
			FROM staged_activity_loads s
			WHERE s.job_id = ?
				AND activities.owner_id = s.owner_id
				AND activities.id = s.activity_id
				AND activities.raw_digest = s.raw_digest
		`, jobID); err != nil {
			return fmt.Errorf("swapping activity loads: %w", err)
		}

		now := s.now()
		if err := setActive(ctx, tx, job.OwnerID, job.TargetVersion, now); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE recalc_jobs SET status = 'completed', finished_at = ?
			WHERE id = ? AND status = 'running'
		`, formatTime(now), jobID)
		if err := expectOneRow(res, err, "completing job"); err != nil {
			return err
		}

		return discardStaging(ctx, tx, jobID)
	})
}

// FailJob moves a pending or running job to failed and discards its staging.
// Live data is never touched.
func (s *Store) FailJob(ctx context.Context, jobID, reason string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE recalc_jobs SET status = 'failed', error = ?, finished_at = ?
			WHERE id = ? AND status IN ('pending', 'running')
		`, reason, formatTime(s.now()), jobID)
		if err := expectOneRow(res, err, "failing job"); err != nil {
			return err
		}
		return discardStaging(ctx, tx, jobID)
	})
}

// RollbackJob moves a failed job to rolled_back and marks its target version as
// abandoned. The owner's active version never moved, so nothing else changes.
func (s *Store) RollbackJob(ctx context.Context, jobID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		job, err := getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}

		now := s.now()
		res, err := tx.ExecContext(ctx, `
			UPDATE recalc_jobs SET status = 'rolled_back', finished_at = ?
			WHERE id = ? AND status = 'failed'
		`, formatTime(now), jobID)
		if err := expectOneRow(res, err, "rolling back job"); err != nil {
			return err
		}

		if err := markRolledBack(ctx, tx, job.OwnerID, job.TargetVersion, now); err != nil {
			return err
		}
		return discardStaging(ctx, tx, jobID)
	})
}

func discardStaging(ctx context.Context, tx *sqlx.Tx, jobID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM staged_daily_metrics WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("discarding staged rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM staged_activity_loads WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("discarding staged loads: %w", err)
	}
	return nil
}

// StagedRowCount returns how many daily rows a job has staged
func (s *Store) StagedRowCount(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM staged_daily_metrics WHERE job_id = ?`, jobID)
	return n, err
}

func expectOneRow(res sql.Result, err error, action string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	if n != 1 {
		return fmt.Errorf("%s: %w", action, ErrJobStateChanged)
	}
	return nil
}
