package store

import (
	"context"
	"fmt"
	"strings"
)

var relgraphSchema = []string{
	`CREATE TABLE IF NOT EXISTS relations (
		id {{serial}},
		source_type TEXT NOT NULL,
		source_value TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_value TEXT NOT NULL,
		strength BIGINT NOT NULL DEFAULT 1,
		connection_count BIGINT NOT NULL DEFAULT 1,
		first_seen BIGINT NOT NULL,
		last_seen BIGINT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		operation_tags TEXT NOT NULL DEFAULT '[]',
		source_log_ids TEXT NOT NULL DEFAULT '[]',
		UNIQUE (source_type, source_value, target_type, target_value)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_relations_source ON relations (source_type, source_value)`,
	`CREATE INDEX IF NOT EXISTS idx_relations_target ON relations (target_type, target_value)`,
	`CREATE INDEX IF NOT EXISTS idx_relations_last_seen ON relations (last_seen)`,
	`CREATE TABLE IF NOT EXISTS file_status (
		id {{serial}},
		filename TEXT NOT NULL,
		hostname TEXT NOT NULL DEFAULT '',
		internal_ip TEXT NOT NULL DEFAULT '',
		external_ip TEXT NOT NULL DEFAULT '',
		username TEXT NOT NULL DEFAULT '',
		analyst TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		hash_algorithm TEXT NOT NULL DEFAULT '',
		hash_value TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		operation_tags TEXT NOT NULL DEFAULT '[]',
		source_log_ids TEXT NOT NULL DEFAULT '[]',
		first_seen BIGINT NOT NULL,
		last_seen BIGINT NOT NULL,
		UNIQUE (filename, hostname, internal_ip)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_file_status_status ON file_status (status)`,
	`CREATE TABLE IF NOT EXISTS file_status_history (
		id {{serial}},
		filename TEXT NOT NULL,
		hostname TEXT NOT NULL DEFAULT '',
		internal_ip TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		previous_status TEXT NOT NULL DEFAULT '',
		command TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		secrets TEXT NOT NULL DEFAULT '',
		analyst TEXT NOT NULL DEFAULT '',
		hash_algorithm TEXT NOT NULL DEFAULT '',
		hash_value TEXT NOT NULL DEFAULT '',
		log_id BIGINT NOT NULL,
		operation_tags TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}',
		observed_at BIGINT NOT NULL,
		UNIQUE (log_id, filename, hostname, internal_ip)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_file_status_history_key ON file_status_history (filename, hostname, internal_ip)`,
}

// Tables owned by the main application. Created only for standalone use.
var collaboratorSchema = []string{
	`CREATE TABLE IF NOT EXISTS logs (
		id {{serial}},
		timestamp {{timestamp}} NOT NULL,
		username TEXT,
		hostname TEXT,
		domain TEXT,
		internal_ip TEXT,
		external_ip TEXT,
		mac_address TEXT,
		command TEXT,
		filename TEXT,
		status TEXT,
		secrets TEXT,
		analyst TEXT,
		notes TEXT,
		hash_algorithm TEXT,
		hash_value TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs (timestamp)`,
	`CREATE TABLE IF NOT EXISTS tags (
		id {{serial}},
		name TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS log_tags (
		log_id BIGINT NOT NULL,
		tag_id BIGINT NOT NULL,
		PRIMARY KEY (log_id, tag_id)
	)`,
}

// Migrate creates the relgraph tables, and the main application's logs and
// tag tables when withCollaborators is set.
func (db *DB) Migrate(ctx context.Context, withCollaborators bool) error {
	stmts := relgraphSchema
	if withCollaborators {
		stmts = append(append([]string{}, relgraphSchema...), collaboratorSchema...)
	}
	for _, stmt := range stmts {
		if _, err := db.sql.ExecContext(ctx, db.expandSchema(stmt)); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (db *DB) expandSchema(stmt string) string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	timestamp := "BIGINT"
	if db.driver == DriverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
		timestamp = "TIMESTAMPTZ"
	}
	return strings.NewReplacer("{{serial}}", serial, "{{timestamp}}", timestamp).Replace(stmt)
}
