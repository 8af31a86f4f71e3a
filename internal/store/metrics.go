package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/jmoiron/sqlx"

	"loadengine/internal/analysis"
	"loadengine/internal/calendar"
)

// ErrActiveVersionChanged is returned when a refresh was computed under a version
// that is no longer active
var ErrActiveVersionChanged = errors.New("active configuration version changed")

const metricColumns = `owner_id, metric_date, external_load, internal_load,
	acute_external_flat, chronic_external_flat, acute_internal_flat, chronic_internal_flat,
	acute_external_decay, chronic_external_decay, acute_internal_decay, chronic_internal_decay,
	external_ratio, internal_ratio, divergence, config_version`

const metricValues = `:owner_id, :metric_date, :external_load, :internal_load,
	:acute_external_flat, :chronic_external_flat, :acute_internal_flat, :chronic_internal_flat,
	:acute_external_decay, :chronic_external_decay, :acute_internal_decay, :chronic_internal_decay,
	:external_ratio, :internal_ratio, :divergence, :config_version`

// NewDailyMetric tags a computed day with its owner and configuration version
func NewDailyMetric(ownerID, version int64, m analysis.DailyMetric) DailyMetric {
	return DailyMetric{
		OwnerID:       ownerID,
		Date:          m.Date,
		ExternalLoad:  m.ExternalLoad,
		InternalLoad:  m.InternalLoad,
		AcuteExtFlat:  m.External.AcuteFlat,
		ChronExtFlat:  m.External.ChronicFlat,
		AcuteIntFlat:  m.Internal.AcuteFlat,
		ChronIntFlat:  m.Internal.ChronicFlat,
		AcuteExtDecay: m.External.AcuteDecay,
		ChronExtDecay: m.External.ChronicDecay,
		AcuteIntDecay: m.Internal.AcuteDecay,
		ChronIntDecay: m.Internal.ChronicDecay,
		ExternalRatio: m.Ratios.External,
		InternalRatio: m.Ratios.Internal,
		Divergence:    m.Ratios.Divergence,
		ConfigVersion: version,
	}
}

// ReplaceLiveMetrics rebuilds an owner's live rows and activity loads under version.
// It refuses to write when version is no longer active or a recalculation job is open,
// so a refresh can never overwrite the result of a swap.
func (s *Store) ReplaceLiveMetrics(ctx context.Context, ownerID, version int64, rows []DailyMetric, loads []ActivityLoad) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var active int64
		err := tx.GetContext(ctx, &active, `SELECT version FROM active_configs WHERE owner_id = ?`, ownerID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrConfigNotFound
		}
		if err != nil {
			return fmt.Errorf("reading active version: %w", err)
		}
		if active != version {
			return fmt.Errorf("%w: computed under %d, active is %d", ErrActiveVersionChanged, version, active)
		}

		var open int
		if err := tx.GetContext(ctx, &open, `
			SELECT COUNT(*) FROM recalc_jobs
			WHERE owner_id = ? AND status IN ('pending', 'running', 'failed')
		`, ownerID); err != nil {
			return fmt.Errorf("checking open jobs: %w", err)
		}
		if open > 0 {
			return ErrJobConflict
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM daily_metrics WHERE owner_id = ?`, ownerID); err != nil {
			return fmt.Errorf("deleting live rows: %w", err)
		}
		if err := insertMetrics(ctx, tx, "daily_metrics", "", rows); err != nil {
			return err
		}

		stmt, err := tx.PreparexContext(ctx, `
			UPDATE activities
			SET equivalent_distance = ?, impulse = ?, computed_version = ?
			WHERE owner_id = ? AND id = ? AND raw_digest = ?
		`)
		if err != nil {
			return fmt.Errorf("preparing statement: %w", err)
		}
		defer stmt.Close()

		for _, l := range loads {
			if _, err := stmt.ExecContext(ctx, l.EquivalentDistance, l.Impulse, version,
				ownerID, l.ActivityID, l.RawDigest); err != nil {
				return fmt.Errorf("updating activity loads: %w", err)
			}
		}
		return nil
	})
}

type stagedMetric struct {
	JobID string `db:"job_id"`
	DailyMetric
}

// insertMetrics writes rows into the live table, or into staging when jobID is set
func insertMetrics(ctx context.Context, tx *sqlx.Tx, table, jobID string, rows []DailyMetric) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO ` + table + ` (` + metricColumns + `) VALUES (` + metricValues + `)`
	if jobID != "" {
		query = `INSERT INTO ` + table + ` (job_id, ` + metricColumns + `) VALUES (:job_id, ` + metricValues + `)`
	}

	stmt, err := tx.PrepareNamedContext(ctx, query)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, stagedMetric{JobID: jobID, DailyMetric: r}); err != nil {
			return fmt.Errorf("inserting row %s: %w", r.Date, err)
		}
	}
	return nil
}

// DailyMetrics returns an owner's live rows inside r ordered by date
func (s *Store) DailyMetrics(ctx context.Context, ownerID int64, r calendar.Range) ([]DailyMetric, error) {
	query, args := rangeQuery(`SELECT `+metricColumns+` FROM daily_metrics WHERE owner_id = ?`,
		"metric_date", ownerID, r)
	query += ` ORDER BY metric_date`

	var out []DailyMetric
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("reading daily metrics: %w", err)
	}
	return out, nil
}

// LatestDailyMetric returns an owner's most recent live row, or nil if none exist
func (s *Store) LatestDailyMetric(ctx context.Context, ownerID int64) (*DailyMetric, error) {
	var m DailyMetric
	err := s.db.GetContext(ctx, &m, `
		SELECT `+metricColumns+` FROM daily_metrics
		WHERE owner_id = ?
		ORDER BY metric_date DESC
		LIMIT 1
	`, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CountStaleMetrics returns how many live rows were not produced by version
func (s *Store) CountStaleMetrics(ctx context.Context, ownerID, version int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM daily_metrics WHERE owner_id = ? AND config_version != ?`, ownerID, version)
	return n, err
}

// Digest fingerprints a batch of daily rows and activity loads. Both slices must be
// in the order the store returns them: rows by date, loads by date then activity id.
func Digest(rows []DailyMetric, loads []ActivityLoad) string {
	h := xxhash.New()
	for _, r := range rows {
		h.WriteString(r.Date.String())
		digestFloat(h, r.ExternalLoad)
		digestFloat(h, r.InternalLoad)
		for _, v := range []*float64{
			r.AcuteExtFlat, r.ChronExtFlat, r.AcuteIntFlat, r.ChronIntFlat,
			r.AcuteExtDecay, r.ChronExtDecay, r.AcuteIntDecay, r.ChronIntDecay,
			r.ExternalRatio, r.InternalRatio, r.Divergence,
		} {
			digestOptional(h, v)
		}
		h.WriteString(strconv.FormatInt(r.ConfigVersion, 10))
	}
	h.WriteString("|")
	for _, l := range loads {
		h.WriteString(strconv.FormatInt(l.ActivityID, 10))
		digestFloat(h, l.EquivalentDistance)
		digestFloat(h, l.Impulse)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

func digestFloat(h *xxhash.Digest, f float64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
	h.Write(buf[:])
}

func digestOptional(h *xxhash.Digest, f *float64) {
	if f == nil {
		h.WriteString("n")
		return
	}
	h.WriteString("v")
	digestFloat(h, *f)
}
