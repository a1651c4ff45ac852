package db

// Schema returns the production migration for the core relational
// store (spec.md §3), covering every table exercised by this module's
// package-level tests against ad hoc sqlite subsets. conn's driver
// picks the autoincrement/serial primary-key dialect for every table
// with a surrogate id column; the rest of each statement is plain ANSI
// SQL shared by both drivers.
func Schema(conn *Conn) *Migration {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if conn.Driver() == "postgres" {
		pk = "BIGSERIAL PRIMARY KEY"
	}

	return &Migration{
		Table: "arca_migrations",
		Steps: []*Step{
			{
				DB:          conn,
				Version:     1,
				Description: "core identity and key tables",
				Action: SQL{
					`CREATE TABLE users (id ` + pk + `, created_at TIMESTAMP)`,
					`CREATE TABLE user_keys (
						user_id INTEGER, key_fingerprint TEXT, public_key_der BLOB, created_at TIMESTAMP,
						PRIMARY KEY (user_id, key_fingerprint))`,
				},
			},
			{
				DB:          conn,
				Version:     2,
				Description: "drives and metadata versions",
				Action: SQL{
					`CREATE TABLE drives (
						id ` + pk + `, user_id INTEGER, storage_class TEXT, created_at TIMESTAMP)`,
					`CREATE TABLE metadata_versions (
						id ` + pk + `, drive_id INTEGER, root_cid TEXT, metadata_cid TEXT,
						expected_data_size INTEGER, data_size INTEGER, metadata_size INTEGER,
						metadata_hash TEXT, state TEXT, storage_host_id INTEGER, grant_id TEXT,
						failure_reason TEXT, created_at TIMESTAMP, updated_at TIMESTAMP)`,
				},
			},
			{
				DB:          conn,
				Version:     3,
				Description: "blocks and their per-host locations",
				Action: SQL{
					`CREATE TABLE blocks (id ` + pk + `, cid TEXT UNIQUE, length INTEGER)`,
					`CREATE TABLE block_locations (
						block_id INTEGER, metadata_id INTEGER, storage_host_id INTEGER,
						state TEXT, expired_at TIMESTAMP)`,
				},
			},
			{
				DB:          conn,
				Version:     4,
				Description: "storage hosts",
				Action: SQL{
					`CREATE TABLE storage_hosts (
						id ` + pk + `, name TEXT, url TEXT, key_fingerprint TEXT, region TEXT,
						available_storage INTEGER, used_storage INTEGER, reserved_storage INTEGER,
						pricing_bytes_per_month INTEGER, last_seen_at TIMESTAMP)`,
				},
			},
			{
				DB:          conn,
				Version:     5,
				Description: "storage grants",
				Action: SQL{
					`CREATE TABLE grants (
						grant_id TEXT PRIMARY KEY, user_id INTEGER, host_id INTEGER,
						amount INTEGER, redeemed_at TIMESTAMP, superseded_at TIMESTAMP,
						created_at TIMESTAMP)`,
				},
			},
			{
				DB:          conn,
				Version:     6,
				Description: "durable task queue",
				Action: SQL{
					`CREATE TABLE tasks (
						id ` + pk + `,
						next_id INTEGER,
						previous_id INTEGER,
						task_name TEXT,
						queue_name TEXT,
						unique_key TEXT,
						state TEXT,
						current_attempt INTEGER,
						maximum_attempts INTEGER,
						payload TEXT,
						error TEXT,
						scheduled_at TIMESTAMP,
						scheduled_to_run_at TIMESTAMP,
						started_at TIMESTAMP,
						finished_at TIMESTAMP)`,
				},
			},
			{
				DB:          conn,
				Version:     7,
				Description: "snapshot and deal archival",
				Action: SQL{
					`CREATE TABLE snapshots (
						id TEXT PRIMARY KEY, metadata_id INTEGER, archival_host_id INTEGER,
						cids TEXT, state TEXT, seal_attempts INTEGER,
						created_at TIMESTAMP, completed_at TIMESTAMP)`,
					`CREATE TABLE deals (
						id TEXT PRIMARY KEY, host_id INTEGER, state TEXT,
						total_bytes INTEGER, created_at TIMESTAMP)`,
					`CREATE TABLE deal_segments (deal_id TEXT, snapshot_id TEXT, bytes INTEGER)`,
				},
			},
		},
	}
}
