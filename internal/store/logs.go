package store

import (
	"context"
	"fmt"
	"time"

	"relgraph/pkg/models"
)

// OperationCategory is the tags.category value marking operation tags.
const OperationCategory = "operation"

const tagLookupChunk = 500

// LogSource reads the main application's logs and log_tags tables.
type LogSource struct {
	db *DB
}

// NewLogSource creates a reader over db.
func NewLogSource(db *DB) *LogSource {
	return &LogSource{db: db}
}

func (s *LogSource) columns() string {
	ts := "timestamp"
	if s.db.driver == DriverPostgres {
		ts = "CAST(EXTRACT(EPOCH FROM timestamp) * 1000 AS BIGINT)"
	}
	return `id, ` + ts + `, COALESCE(username, ''), COALESCE(hostname, ''), COALESCE(domain, ''),
		COALESCE(internal_ip, ''), COALESCE(external_ip, ''), COALESCE(mac_address, ''), COALESCE(command, ''),
		COALESCE(filename, ''), COALESCE(status, ''), COALESCE(secrets, ''), COALESCE(analyst, ''),
		COALESCE(notes, ''), COALESCE(hash_algorithm, ''), COALESCE(hash_value, '')`
}

// timestampParam returns the placeholder expression comparing against the
// logs.timestamp column with a unix-millisecond argument.
func (s *LogSource) timestampParam() string {
	if s.db.driver == DriverPostgres {
		return "to_timestamp(? / 1000.0)"
	}
	return "?"
}

// Since returns up to limit logs at or after since, newest first.
func (s *LogSource) Since(ctx context.Context, since time.Time, limit int) ([]models.LogRow, error) {
	query := `SELECT ` + s.columns() + ` FROM logs WHERE timestamp >= ` + s.timestampParam() + ` ORDER BY timestamp DESC, id DESC`
	args := []interface{}{toMillis(since)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	logs, err := s.queryLogs(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("logs since %s: %w", since.Format(time.RFC3339), err)
	}
	return logs, nil
}

// ByIDs returns the logs with the given ids.
func (s *LogSource) ByIDs(ctx context.Context, ids []int64) ([]models.LogRow, error) {
	out := make([]models.LogRow, 0, len(ids))
	for start := 0; start < len(ids); start += tagLookupChunk {
		end := start + tagLookupChunk
		if end > len(ids) {
			end = len(ids)
		}
		args := make([]interface{}, 0, end-start)
		for _, id := range ids[start:end] {
			args = append(args, id)
		}
		logs, err := s.queryLogs(ctx, `SELECT `+s.columns()+` FROM logs WHERE id IN (`+placeholders(len(args))+`) ORDER BY timestamp, id`, args...)
		if err != nil {
			return nil, fmt.Errorf("logs by id: %w", err)
		}
		out = append(out, logs...)
	}
	return out, nil
}

// ByFieldValue returns up to limit logs whose field equals value, newest first.
func (s *LogSource) ByFieldValue(ctx context.Context, field, value string, limit int) ([]models.LogRow, error) {
	col := logColumn(field)
	if col == "" {
		return nil, fmt.Errorf("unknown log field %q", field)
	}
	query := `SELECT ` + s.columns() + ` FROM logs WHERE ` + col + ` = ? ORDER BY timestamp DESC, id DESC`
	args := []interface{}{value}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	logs, err := s.queryLogs(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("logs by %s: %w", field, err)
	}
	return logs, nil
}

// OperationTags returns the operation tag ids attached to each log id.
func (s *LogSource) OperationTags(ctx context.Context, ids []int64) (models.LogTags, error) {
	out := make(models.LogTags)
	for start := 0; start < len(ids); start += tagLookupChunk {
		end := start + tagLookupChunk
		if end > len(ids) {
			end = len(ids)
		}
		args := []interface{}{OperationCategory}
		for _, id := range ids[start:end] {
			args = append(args, id)
		}
		rows, err := s.db.query(ctx, s.db.sql, `SELECT lt.log_id, lt.tag_id FROM log_tags lt
			JOIN tags t ON t.id = lt.tag_id
			WHERE t.category = ? AND lt.log_id IN (`+placeholders(end-start)+`)
			ORDER BY lt.log_id, lt.tag_id`, args...)
		if err != nil {
			return nil, fmt.Errorf("operation tags: %w", err)
		}
		for rows.Next() {
			var logID, tagID int64
			if err := rows.Scan(&logID, &tagID); err != nil {
				rows.Close()
				return nil, err
			}
			out[logID] = append(out[logID], tagID)
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Insert adds a log row and returns its id. Used for standalone setups and
// tests; the main application normally owns these writes.
func (s *LogSource) Insert(ctx context.Context, row models.LogRow) (int64, error) {
	query := `INSERT INTO logs (timestamp, username, hostname, domain, internal_ip, external_ip, mac_address,
		command, filename, status, secrets, analyst, notes, hash_algorithm, hash_value)
		VALUES (` + s.timestampParam() + `, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []interface{}{toMillis(row.Timestamp), nullable(row.Username), nullable(row.Hostname),
		nullable(row.Domain), nullable(row.InternalIP), nullable(row.ExternalIP), nullable(row.MacAddress),
		nullable(row.Command), nullable(row.Filename), nullable(row.Status), nullable(row.Secrets),
		nullable(row.Analyst), nullable(row.Notes), nullable(row.HashAlgorithm), nullable(row.HashValue)}
	return s.insertReturningID(ctx, query, args...)
}

// CreateTag adds a tag and returns its id.
func (s *LogSource) CreateTag(ctx context.Context, name, category string) (int64, error) {
	return s.insertReturningID(ctx, `INSERT INTO tags (name, category) VALUES (?, ?)`, name, category)
}

// TagLog attaches a tag to a log.
func (s *LogSource) TagLog(ctx context.Context, logID, tagID int64) error {
	_, err := s.db.exec(ctx, s.db.sql, `INSERT INTO log_tags (log_id, tag_id) VALUES (?, ?)
		ON CONFLICT (log_id, tag_id) DO NOTHING`, logID, tagID)
	if err != nil {
		return fmt.Errorf("tag log %d: %w", logID, err)
	}
	return nil
}

func (s *LogSource) insertReturningID(ctx context.Context, query string, args ...interface{}) (int64, error) {
	if s.db.driver == DriverPostgres {
		var id int64
		if err := s.db.queryRow(ctx, s.db.sql, query+` RETURNING id`, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert: %w", err)
		}
		return id, nil
	}
	res, err := s.db.exec(ctx, s.db.sql, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert: %w", err)
	}
	return res.LastInsertId()
}

func (s *LogSource) queryLogs(ctx context.Context, query string, args ...interface{}) ([]models.LogRow, error) {
	rows, err := s.db.query(ctx, s.db.sql, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.LogRow, 0)
	for rows.Next() {
		var (
			row models.LogRow
			ts  int64
		)
		if err := rows.Scan(&row.ID, &ts, &row.Username, &row.Hostname, &row.Domain, &row.InternalIP,
			&row.ExternalIP, &row.MacAddress, &row.Command, &row.Filename, &row.Status, &row.Secrets,
			&row.Analyst, &row.Notes, &row.HashAlgorithm, &row.HashValue); err != nil {
			return nil, err
		}
		row.Timestamp = fromMillis(ts)
		out = append(out, row)
	}
	return out, rows.Err()
}

func logColumn(field string) string {
	switch field {
	case models.FieldUsername, models.FieldHostname, models.FieldDomain, models.FieldInternalIP,
		models.FieldExternalIP, models.FieldMacAddress, models.FieldCommand, models.FieldFilename,
		models.FieldStatus, models.FieldAnalyst:
		return field
	}
	return ""
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
