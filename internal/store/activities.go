package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/jmoiron/sqlx"

	"loadengine/internal/calendar"
)

// UpsertResult tells the caller what an upsert did to the stored activity
type UpsertResult int

const (
	ActivityUnchanged UpsertResult = iota // duplicate delivery, nothing written
	ActivityCreated
	ActivityUpdated // raw data changed, derived loads were reset
)

const activityColumns = `owner_id, id, name, discipline, activity_date, distance, elevation_gain,
	duration, average_speed, has_heartrate, equivalent_distance, impulse, computed_version, raw_digest`

// UpsertActivity stores an activity and its heart rate samples keyed by (owner, id).
// Re-delivering identical raw data is a no-op; any raw change replaces the samples
// and clears the derived loads so the activity reads as stale until recomputed.
func (s *Store) UpsertActivity(ctx context.Context, a Activity, samples []HRSample) (UpsertResult, error) {
	digest := rawDigest(a, samples)
	result := ActivityUnchanged

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var existing string
		err := tx.GetContext(ctx, &existing,
			`SELECT raw_digest FROM activities WHERE owner_id = ? AND id = ?`, a.OwnerID, a.ID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			result = ActivityCreated
		case err != nil:
			return fmt.Errorf("reading activity: %w", err)
		case existing == digest:
			return nil
		default:
			result = ActivityUpdated
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO activities (
				owner_id, id, name, discipline, activity_date, distance, elevation_gain,
				duration, average_speed, has_heartrate, raw_digest, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(owner_id, id) DO UPDATE SET
				name = excluded.name,
				discipline = excluded.discipline,
				activity_date = excluded.activity_date,
				distance = excluded.distance,
				elevation_gain = excluded.elevation_gain,
				duration = excluded.duration,
				average_speed = excluded.average_speed,
				has_heartrate = excluded.has_heartrate,
				raw_digest = excluded.raw_digest,
				equivalent_distance = NULL,
				impulse = NULL,
				computed_version = NULL,
				updated_at = excluded.updated_at
		`,
			a.OwnerID, a.ID, a.Name, a.Discipline, a.Date, a.Distance, a.ElevationGain,
			a.Duration, a.AverageSpeed, len(samples) > 0, digest, formatTime(s.now()),
		)
		if err != nil {
			return fmt.Errorf("upserting activity: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM hr_samples WHERE owner_id = ? AND activity_id = ?`, a.OwnerID, a.ID); err != nil {
			return fmt.Errorf("deleting existing samples: %w", err)
		}

		stmt, err := tx.PreparexContext(ctx, `
			INSERT INTO hr_samples (owner_id, activity_id, seq, time_offset, heartrate)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("preparing statement: %w", err)
		}
		defer stmt.Close()

		for i, p := range samples {
			if _, err := stmt.ExecContext(ctx, a.OwnerID, a.ID, i, p.TimeOffset, p.Heartrate); err != nil {
				return fmt.Errorf("inserting sample: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return ActivityUnchanged, err
	}
	return result, nil
}

// GetActivity retrieves one activity
func (s *Store) GetActivity(ctx context.Context, ownerID, id int64) (*Activity, error) {
	var a Activity
	err := s.db.GetContext(ctx, &a,
		`SELECT `+activityColumns+` FROM activities WHERE owner_id = ? AND id = ?`, ownerID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrActivityNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListActivities returns an owner's activities inside r ordered by date then id.
// A zero bound leaves that side open.
func (s *Store) ListActivities(ctx context.Context, ownerID int64, r calendar.Range) ([]Activity, error) {
	query, args := rangeQuery(`SELECT `+activityColumns+` FROM activities WHERE owner_id = ?`,
		"activity_date", ownerID, r)
	query += ` ORDER BY activity_date, id`

	var out []Activity
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("listing activities: %w", err)
	}
	return out, nil
}

// Samples returns the stored samples of one activity in delivery order
func (s *Store) Samples(ctx context.Context, ownerID, activityID int64) ([]HRSample, error) {
	var out []HRSample
	err := s.db.SelectContext(ctx, &out, `
		SELECT owner_id, activity_id, seq, time_offset, heartrate
		FROM hr_samples
		WHERE owner_id = ? AND activity_id = ?
		ORDER BY seq
	`, ownerID, activityID)
	if err != nil {
		return nil, fmt.Errorf("reading samples: %w", err)
	}
	return out, nil
}

// SamplesInRange returns the samples of every activity of an owner dated inside r,
// grouped by activity id and kept in delivery order.
func (s *Store) SamplesInRange(ctx context.Context, ownerID int64, r calendar.Range) (map[int64][]HRSample, error) {
	query, args := rangeQuery(`
		SELECT h.owner_id, h.activity_id, h.seq, h.time_offset, h.heartrate
		FROM hr_samples h
		JOIN activities a ON a.owner_id = h.owner_id AND a.id = h.activity_id
		WHERE h.owner_id = ?`, "a.activity_date", ownerID, r)
	query += ` ORDER BY h.activity_id, h.seq`

	var rows []HRSample
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("reading samples: %w", err)
	}

	out := make(map[int64][]HRSample)
	for _, r := range rows {
		out[r.ActivityID] = append(out[r.ActivityID], r)
	}
	return out, nil
}

// FirstActivityDate returns the date of an owner's earliest activity.
// ok is false when the owner has none.
func (s *Store) FirstActivityDate(ctx context.Context, ownerID int64) (d calendar.Date, ok bool, err error) {
	var first calendar.Date
	err = s.db.GetContext(ctx, &first,
		`SELECT MIN(activity_date) FROM activities WHERE owner_id = ?`, ownerID)
	if err != nil {
		return calendar.Date{}, false, fmt.Errorf("reading first activity date: %w", err)
	}
	return first, !first.IsZero(), nil
}

// LastActivityDate returns the date of an owner's latest activity, or the zero date
func (s *Store) LastActivityDate(ctx context.Context, ownerID int64) (calendar.Date, error) {
	var last calendar.Date
	err := s.db.GetContext(ctx, &last,
		`SELECT MAX(activity_date) FROM activities WHERE owner_id = ?`, ownerID)
	if err != nil {
		return calendar.Date{}, fmt.Errorf("reading last activity date: %w", err)
	}
	return last, nil
}

// CountActivities returns the number of activities an owner has
func (s *Store) CountActivities(ctx context.Context, ownerID int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM activities WHERE owner_id = ?`, ownerID)
	return n, err
}

// CountStaleActivities returns how many activities were not computed under version
func (s *Store) CountStaleActivities(ctx context.Context, ownerID, version int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM activities
		WHERE owner_id = ? AND (computed_version IS NULL OR computed_version != ?)
	`, ownerID, version)
	return n, err
}

// Owners returns every owner that has a configuration or an activity
func (s *Store) Owners(ctx context.Context) ([]int64, error) {
	var out []int64
	err := s.db.SelectContext(ctx, &out, `
		SELECT owner_id FROM calc_configs
		UNION
		SELECT owner_id FROM activities
		ORDER BY owner_id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing owners: %w", err)
	}
	return out, nil
}

// rangeQuery appends the bounds of r on column to a query whose last placeholder is owner
func rangeQuery(base, column string, ownerID int64, r calendar.Range) (string, []any) {
	query := base
	args := []any{ownerID}
	if !r.Start.IsZero() {
		query += " AND " + column + " >= ?"
		args = append(args, r.Start)
	}
	if !r.End.IsZero() {
		query += " AND " + column + " <= ?"
		args = append(args, r.End)
	}
	return query, args
}

// rawDigest fingerprints the raw fields of an activity so duplicates are detected
func rawDigest(a Activity, samples []HRSample) string {
	h := xxhash.New()
	h.WriteString(a.Name)
	h.WriteString("\x00" + a.Discipline)
	h.WriteString("\x00" + a.Date.String())
	h.WriteString("\x00" + strconv.Itoa(a.Duration))
	digestFloat(h, a.Distance)
	digestFloat(h, a.ElevationGain)
	if a.AverageSpeed != nil {
		digestFloat(h, *a.AverageSpeed)
	} else {
		h.WriteString("\x00nil")
	}
	for _, p := range samples {
		digestFloat(h, p.TimeOffset)
		digestFloat(h, p.Heartrate)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
