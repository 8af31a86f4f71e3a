package store

import (
	"time"

	"loadengine/internal/calendar"
)

// Activity is one exercise session with its raw data and derived loads
type Activity struct {
	OwnerID            int64         `db:"owner_id"`
	ID                 int64         `db:"id"`
	Name               string        `db:"name"`
	Discipline         string        `db:"discipline"`
	Date               calendar.Date `db:"activity_date"`
	Distance           float64       `db:"distance"`       // meters
	ElevationGain      float64       `db:"elevation_gain"` // meters
	Duration           int           `db:"duration"`       // seconds
	AverageSpeed       *float64      `db:"average_speed"`  // m/s, nullable
	HasHeartrate       bool          `db:"has_heartrate"`
	EquivalentDistance *float64      `db:"equivalent_distance"` // nullable until computed
	Impulse            *float64      `db:"impulse"`             // nullable until computed
	ComputedVersion    *int64        `db:"computed_version"`    // config version that produced the loads
	RawDigest          string        `db:"raw_digest"`
}

// Stale reports whether the derived loads were not produced by the given version
func (a Activity) Stale(activeVersion int64) bool {
	return a.ComputedVersion == nil || *a.ComputedVersion != activeVersion
}

// HRSample is one stored heart rate reading, kept in delivery order
type HRSample struct {
	OwnerID    int64   `db:"owner_id"`
	ActivityID int64   `db:"activity_id"`
	Seq        int     `db:"seq"`
	TimeOffset float64 `db:"time_offset"` // seconds from activity start
	Heartrate  float64 `db:"heartrate"`   // bpm
}

// ActivityLoad is a derived (equivalent distance, impulse) pair for one activity
type ActivityLoad struct {
	OwnerID            int64         `db:"owner_id"`
	ActivityID         int64         `db:"activity_id"`
	Date               calendar.Date `db:"activity_date"`
	EquivalentDistance float64       `db:"equivalent_distance"`
	Impulse            float64       `db:"impulse"`
	ConfigVersion      int64         `db:"config_version"`
	RawDigest          string        `db:"raw_digest"` // raw data the load was derived from
}

// DailyMetric is one (owner, date) row of rolling load metrics.
// Nil aggregates, ratios and divergence are undefined, never zero.
type DailyMetric struct {
	OwnerID       int64         `db:"owner_id" json:"owner_id"`
	Date          calendar.Date `db:"metric_date" json:"date"`
	ExternalLoad  float64       `db:"external_load" json:"external_load"`
	InternalLoad  float64       `db:"internal_load" json:"internal_load"`
	AcuteExtFlat  *float64      `db:"acute_external_flat" json:"acute_external_flat"`
	ChronExtFlat  *float64      `db:"chronic_external_flat" json:"chronic_external_flat"`
	AcuteIntFlat  *float64      `db:"acute_internal_flat" json:"acute_internal_flat"`
	ChronIntFlat  *float64      `db:"chronic_internal_flat" json:"chronic_internal_flat"`
	AcuteExtDecay *float64      `db:"acute_external_decay" json:"acute_external_decay"`
	ChronExtDecay *float64      `db:"chronic_external_decay" json:"chronic_external_decay"`
	AcuteIntDecay *float64      `db:"acute_internal_decay" json:"acute_internal_decay"`
	ChronIntDecay *float64      `db:"chronic_internal_decay" json:"chronic_internal_decay"`
	ExternalRatio *float64      `db:"external_ratio" json:"external_ratio"`
	InternalRatio *float64      `db:"internal_ratio" json:"internal_ratio"`
	Divergence    *float64      `db:"divergence" json:"divergence"`
	ConfigVersion int64         `db:"config_version" json:"config_version"`
}

// JobStatus is the state of a recalculation job
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobRunning    JobStatus = "running"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobRolledBack JobStatus = "rolled_back"
)

// Terminal reports whether no further transition is possible
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobRolledBack
}

// Job tracks one recalculation of an owner's history under a target configuration
type Job struct {
	ID              string
	OwnerID         int64
	TargetVersion   int64
	PreviousVersion int64
	Status          JobStatus
	AsOf            calendar.Date
	Cursor          calendar.Date // last fully processed date; zero before the first batch
	BatchesDone     int
	Error           string
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// Checkpoint is the integrity record appended after each committed batch
type Checkpoint struct {
	JobID         string        `db:"job_id"`
	Seq           int           `db:"seq"`
	BatchStart    calendar.Date `db:"batch_start"`
	BatchEnd      calendar.Date `db:"batch_end"`
	RowCount      int           `db:"row_count"`
	ActivityCount int           `db:"activity_count"`
	Digest        string        `db:"digest"`
	State         string        `db:"state"` // serialized aggregator state after the batch
}
