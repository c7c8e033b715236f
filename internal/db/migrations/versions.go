package migrations

import (
	"database/sql"
)

// getAllMigrations returns all available migrations
func getAllMigrations() []Migration {
	return []Migration{
		migration1_v010_CoreTables(),
		migration2_v020_DeliveryIndexes(),
	}
}

// migration1_v010_CoreTables creates the sync entity tables.
// All timestamps are stored as INTEGER unix nanoseconds.
func migration1_v010_CoreTables() Migration {
	return Migration{
		Version:     1,
		Description: "v0.1.0 - Create core tables (networks, nodes, records, changes, messages, remotes)",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS networks (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					fetch_before_send INTEGER NOT NULL DEFAULT 0,
					schema TEXT,
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL
				)
			`); err != nil {
				return err
			}

			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS nodes (
					id TEXT NOT NULL,
					network_id TEXT NOT NULL,
					name TEXT NOT NULL,
					can_create INTEGER NOT NULL DEFAULT 0,
					can_read INTEGER NOT NULL DEFAULT 0,
					can_update INTEGER NOT NULL DEFAULT 0,
					can_delete INTEGER NOT NULL DEFAULT 0,
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL,
					PRIMARY KEY (network_id, id)
				)
			`); err != nil {
				return err
			}
			if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_nodes_network ON nodes(network_id, created_at)`); err != nil {
				return err
			}

			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS records (
					id TEXT NOT NULL,
					network_id TEXT NOT NULL,
					head_id TEXT NOT NULL,
					deleted INTEGER NOT NULL DEFAULT 0,
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL,
					PRIMARY KEY (network_id, id)
				)
			`); err != nil {
				return err
			}

			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS changes (
					id TEXT NOT NULL,
					network_id TEXT NOT NULL,
					record_id TEXT NOT NULL,
					version INTEGER NOT NULL,
					method TEXT NOT NULL,
					payload TEXT,
					created_at INTEGER NOT NULL,
					PRIMARY KEY (network_id, id),
					UNIQUE (network_id, record_id, version)
				)
			`); err != nil {
				return err
			}

			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS messages (
					id TEXT NOT NULL,
					network_id TEXT NOT NULL,
					origin_id TEXT NOT NULL DEFAULT '',
					destination_id TEXT NOT NULL,
					record_id TEXT NOT NULL,
					change_id TEXT NOT NULL,
					parent_id TEXT NOT NULL DEFAULT '',
					method TEXT NOT NULL,
					remote_id TEXT NOT NULL DEFAULT '',
					state TEXT NOT NULL,
					reason TEXT NOT NULL DEFAULT '',
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL,
					PRIMARY KEY (network_id, id)
				)
			`); err != nil {
				return err
			}

			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS remotes (
					network_id TEXT NOT NULL,
					node_id TEXT NOT NULL,
					record_id TEXT NOT NULL,
					remote_id TEXT NOT NULL,
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL,
					PRIMARY KEY (network_id, node_id, record_id),
					UNIQUE (network_id, node_id, remote_id)
				)
			`); err != nil {
				return err
			}

			return nil
		},
	}
}

// migration2_v020_DeliveryIndexes adds the indexes the delivery queue and
// reseed deduplication lean on once networks grow past a handful of nodes.
func migration2_v020_DeliveryIndexes() Migration {
	return Migration{
		Version:     2,
		Description: "v0.2.0 - Message delivery indexes",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE INDEX IF NOT EXISTS idx_messages_queue
				ON messages(network_id, destination_id, state, created_at)
			`); err != nil {
				return err
			}
			if _, err := tx.Exec(`
				CREATE INDEX IF NOT EXISTS idx_messages_dedup
				ON messages(network_id, destination_id, change_id)
			`); err != nil {
				return err
			}
			if _, err := tx.Exec(`
				CREATE INDEX IF NOT EXISTS idx_changes_record
				ON changes(network_id, record_id, version)
			`); err != nil {
				return err
			}
			return nil
		},
	}
}
