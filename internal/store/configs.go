package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"loadengine/internal/analysis"
	"loadengine/internal/calcconfig"
)

type configRow struct {
	OwnerID          int64   `db:"owner_id"`
	Version          int64   `db:"version"`
	EffectiveAt      string  `db:"effective_at"`
	AlgorithmVersion int     `db:"algorithm_version"`
	Params           string  `db:"params"`
	RolledBackAt     *string `db:"rolled_back_at"`
}

func (r configRow) toConfig() (calcconfig.Config, error) {
	var p analysis.Params
	if err := json.Unmarshal([]byte(r.Params), &p); err != nil {
		return calcconfig.Config{}, fmt.Errorf("decoding params of version %d: %w", r.Version, err)
	}
	return calcconfig.Config{
		OwnerID:      r.OwnerID,
		Version:      r.Version,
		EffectiveAt:  parseTime(r.EffectiveAt),
		Params:       p,
		RolledBackAt: parseTimePtr(r.RolledBackAt),
	}, nil
}

const configColumns = `owner_id, version, effective_at, algorithm_version, params, rolled_back_at`

// CreateConfig appends a new immutable configuration version for an owner.
// Versions are numbered from 1 without gaps.
func (s *Store) CreateConfig(ctx context.Context, ownerID int64, p analysis.Params) (calcconfig.Config, error) {
	var cfg calcconfig.Config
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		cfg, err = s.insertConfig(ctx, tx, ownerID, p)
		return err
	})
	return cfg, err
}

// Onboard gives an owner without any configuration version 1 and activates it.
// created is false when the owner already existed.
func (s *Store) Onboard(ctx context.Context, ownerID int64, p analysis.Params) (cfg calcconfig.Config, created bool, err error) {
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM calc_configs WHERE owner_id = ?`, ownerID); err != nil {
			return fmt.Errorf("checking owner: %w", err)
		}
		if n > 0 {
			return nil
		}

		cfg, err = s.insertConfig(ctx, tx, ownerID, p)
		if err != nil {
			return err
		}
		created = true
		return setActive(ctx, tx, ownerID, cfg.Version, s.now())
	})
	return cfg, created, err
}

func (s *Store) insertConfig(ctx context.Context, tx *sqlx.Tx, ownerID int64, p analysis.Params) (calcconfig.Config, error) {
	var next int64
	if err := tx.GetContext(ctx, &next,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM calc_configs WHERE owner_id = ?`, ownerID); err != nil {
		return calcconfig.Config{}, fmt.Errorf("allocating version: %w", err)
	}

	params, err := json.Marshal(p)
	if err != nil {
		return calcconfig.Config{}, fmt.Errorf("encoding params: %w", err)
	}

	now := s.now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO calc_configs (owner_id, version, effective_at, algorithm_version, params)
		VALUES (?, ?, ?, ?, ?)
	`, ownerID, next, formatTime(now), p.AlgorithmVersion, string(params))
	if err != nil {
		return calcconfig.Config{}, fmt.Errorf("inserting configuration: %w", err)
	}

	return calcconfig.Config{
		OwnerID:     ownerID,
		Version:     next,
		EffectiveAt: parseTime(formatTime(now)),
		Params:      p.Clone(),
	}, nil
}

// GetConfig retrieves one configuration version
func (s *Store) GetConfig(ctx context.Context, ownerID, version int64) (calcconfig.Config, error) {
	return getConfig(ctx, s.db, ownerID, version)
}

func getConfig(ctx context.Context, q sqlx.QueryerContext, ownerID, version int64) (calcconfig.Config, error) {
	var row configRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+configColumns+` FROM calc_configs WHERE owner_id = ? AND version = ?`, ownerID, version)
	if errors.Is(err, sql.ErrNoRows) {
		return calcconfig.Config{}, ErrConfigNotFound
	}
	if err != nil {
		return calcconfig.Config{}, err
	}
	return row.toConfig()
}

// ActiveConfig retrieves the configuration version an owner's live data is computed under
func (s *Store) ActiveConfig(ctx context.Context, ownerID int64) (calcconfig.Config, error) {
	var row configRow
	err := s.db.GetContext(ctx, &row, `
		SELECT c.owner_id, c.version, c.effective_at, c.algorithm_version, c.params, c.rolled_back_at
		FROM active_configs a
		JOIN calc_configs c ON c.owner_id = a.owner_id AND c.version = a.version
		WHERE a.owner_id = ?
	`, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return calcconfig.Config{}, ErrConfigNotFound
	}
	if err != nil {
		return calcconfig.Config{}, err
	}
	return row.toConfig()
}

// ListConfigs returns every configuration version of an owner, oldest first
func (s *Store) ListConfigs(ctx context.Context, ownerID int64) ([]calcconfig.Config, error) {
	var rows []configRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+configColumns+` FROM calc_configs WHERE owner_id = ? ORDER BY version`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing configurations: %w", err)
	}

	out := make([]calcconfig.Config, 0, len(rows))
	for _, r := range rows {
		cfg, err := r.toConfig()
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// setActive moves an owner's active version pointer
func setActive(ctx context.Context, tx *sqlx.Tx, ownerID, version int64, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO active_configs (owner_id, version, activated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			version = excluded.version,
			activated_at = excluded.activated_at
	`, ownerID, version, formatTime(at))
	if err != nil {
		return fmt.Errorf("activating version %d: %w", version, err)
	}
	return nil
}

// markRolledBack flags a version as abandoned. The parameters stay untouched.
func markRolledBack(ctx context.Context, tx *sqlx.Tx, ownerID, version int64, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE calc_configs SET rolled_back_at = ?
		WHERE owner_id = ? AND version = ? AND rolled_back_at IS NULL
	`, formatTime(at), ownerID, version)
	if err != nil {
		return fmt.Errorf("marking version %d rolled back: %w", version, err)
	}
	return nil
}

// GetRollout returns the rollout of an algorithm version. Unknown versions are
// returned with no owners enabled.
func (s *Store) GetRollout(ctx context.Context, algorithm int) (calcconfig.Rollout, error) {
	var row struct {
		Percent int    `db:"percent"`
		Allow   string `db:"allow"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT percent, allow FROM algorithm_rollouts WHERE algorithm_version = ?`, algorithm)
	if errors.Is(err, sql.ErrNoRows) {
		return calcconfig.Rollout{AlgorithmVersion: algorithm}, nil
	}
	if err != nil {
		return calcconfig.Rollout{}, err
	}

	r := calcconfig.Rollout{AlgorithmVersion: algorithm, Percent: row.Percent}
	if err := json.Unmarshal([]byte(row.Allow), &r.Allow); err != nil {
		return calcconfig.Rollout{}, fmt.Errorf("decoding allow list: %w", err)
	}
	return r, nil
}

// SaveRollout inserts or replaces the rollout of an algorithm version
func (s *Store) SaveRollout(ctx context.Context, r calcconfig.Rollout) error {
	allow := r.Allow
	if allow == nil {
		allow = []int64{}
	}
	data, err := json.Marshal(allow)
	if err != nil {
		return fmt.Errorf("encoding allow list: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO algorithm_rollouts (algorithm_version, percent, allow, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(algorithm_version) DO UPDATE SET
			percent = excluded.percent,
			allow = excluded.allow,
			updated_at = excluded.updated_at
	`, r.AlgorithmVersion, r.Percent, string(data), formatTime(s.now()))
	return err
}
