package store

import "github.com/jmoiron/sqlx"

// migrate runs all database migrations
func migrate(db *sqlx.DB) error {
	migrations := []string{
		// Activities (raw data from the ingestion feed plus derived loads)
		`CREATE TABLE IF NOT EXISTS activities (
			owner_id INTEGER NOT NULL,
			id INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			discipline TEXT NOT NULL,
			activity_date TEXT NOT NULL,
			distance REAL NOT NULL,
			elevation_gain REAL NOT NULL DEFAULT 0,
			duration INTEGER NOT NULL DEFAULT 0,
			average_speed REAL,
			has_heartrate INTEGER NOT NULL DEFAULT 0,
			equivalent_distance REAL,
			impulse REAL,
			computed_version INTEGER,
			raw_digest TEXT NOT NULL DEFAULT '',
			created_at TEXT DEFAULT CURRENT_TIMESTAMP,
			updated_at TEXT DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (owner_id, id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_activities_owner_date ON activities(owner_id, activity_date)`,

		// Heart rate samples, kept in delivery order so bad offsets stay detectable
		`CREATE TABLE IF NOT EXISTS hr_samples (
			owner_id INTEGER NOT NULL,
			activity_id INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			time_offset REAL NOT NULL,
			heartrate REAL NOT NULL,
			PRIMARY KEY (owner_id, activity_id, seq),
			FOREIGN KEY (owner_id, activity_id) REFERENCES activities(owner_id, id) ON DELETE CASCADE
		)`,

		// Calculation configuration versions (immutable once written)
		`CREATE TABLE IF NOT EXISTS calc_configs (
			owner_id INTEGER NOT NULL,
			version INTEGER NOT NULL,
			effective_at TEXT NOT NULL,
			algorithm_version INTEGER NOT NULL,
			params TEXT NOT NULL,
			rolled_back_at TEXT,
			PRIMARY KEY (owner_id, version)
		)`,

		// Active configuration pointer (one per owner)
		`CREATE TABLE IF NOT EXISTS active_configs (
			owner_id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL,
			activated_at TEXT NOT NULL,
			FOREIGN KEY (owner_id, version) REFERENCES calc_configs(owner_id, version)
		)`,

		// Live daily metric rows
		`CREATE TABLE IF NOT EXISTS daily_metrics (
			owner_id INTEGER NOT NULL,
			metric_date TEXT NOT NULL,
			external_load REAL NOT NULL,
			internal_load REAL NOT NULL,
			acute_external_flat REAL,
			chronic_external_flat REAL,
			acute_internal_flat REAL,
			chronic_internal_flat REAL,
			acute_external_decay REAL,
			chronic_external_decay REAL,
			acute_internal_decay REAL,
			chronic_internal_decay REAL,
			external_ratio REAL,
			internal_ratio REAL,
			divergence REAL,
			config_version INTEGER NOT NULL,
			PRIMARY KEY (owner_id, metric_date)
		)`,

		// Recalculation jobs
		`CREATE TABLE IF NOT EXISTS recalc_jobs (
			id TEXT PRIMARY KEY,
			owner_id INTEGER NOT NULL,
			target_version INTEGER NOT NULL,
			previous_version INTEGER NOT NULL,
			status TEXT NOT NULL,
			as_of TEXT NOT NULL,
			cursor TEXT,
			batches_done INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT
		)`,

		`CREATE INDEX IF NOT EXISTS idx_recalc_jobs_owner ON recalc_jobs(owner_id, created_at)`,

		// At most one non-terminal job per owner
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_recalc_jobs_open ON recalc_jobs(owner_id)
			WHERE status IN ('pending', 'running', 'failed')`,

		`CREATE TABLE IF NOT EXISTS recalc_checkpoints (
			job_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			batch_start TEXT NOT NULL,
			batch_end TEXT NOT NULL,
			row_count INTEGER NOT NULL,
			activity_count INTEGER NOT NULL,
			digest TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at TEXT DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (job_id, seq),
			FOREIGN KEY (job_id) REFERENCES recalc_jobs(id) ON DELETE CASCADE
		)`,

		// Staging written by running jobs, swapped in on completion
		`CREATE TABLE IF NOT EXISTS staged_daily_metrics (
			job_id TEXT NOT NULL,
			owner_id INTEGER NOT NULL,
			metric_date TEXT NOT NULL,
			external_load REAL NOT NULL,
			internal_load REAL NOT NULL,
			acute_external_flat REAL,
			chronic_external_flat REAL,
			acute_internal_flat REAL,
			chronic_internal_flat REAL,
			acute_external_decay REAL,
			chronic_external_decay REAL,
			acute_internal_decay REAL,
			chronic_internal_decay REAL,
			external_ratio REAL,
			internal_ratio REAL,
			divergence REAL,
			config_version INTEGER NOT NULL,
			PRIMARY KEY (job_id, metric_date),
			FOREIGN KEY (job_id) REFERENCES recalc_jobs(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS staged_activity_loads (
			job_id TEXT NOT NULL,
			owner_id INTEGER NOT NULL,
			activity_id INTEGER NOT NULL,
			activity_date TEXT NOT NULL,
			equivalent_distance REAL NOT NULL,
			impulse REAL NOT NULL,
			config_version INTEGER NOT NULL,
			raw_digest TEXT NOT NULL,
			PRIMARY KEY (job_id, activity_id),
			FOREIGN KEY (job_id) REFERENCES recalc_jobs(id) ON DELETE CASCADE
		)`,

		// Owners whose metric computation was queued behind a recalculation
		`CREATE TABLE IF NOT EXISTS pending_refreshes (
			owner_id INTEGER PRIMARY KEY,
			requested_at TEXT NOT NULL
		)`,

		// Gradual rollout of algorithm versions
		`CREATE TABLE IF NOT EXISTS algorithm_rollouts (
			algorithm_version INTEGER PRIMARY KEY,
			percent INTEGER NOT NULL,
			allow TEXT NOT NULL DEFAULT '[]',
			updated_at TEXT DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}

	return nil
}
