package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"relgraph/internal/cache"
	"relgraph/pkg/models"
)

const fileStatusColumns = `id, filename, hostname, internal_ip, external_ip, username, analyst, status,
	hash_algorithm, hash_value, metadata, operation_tags, source_log_ids, first_seen, last_seen`

const historyColumns = `id, filename, hostname, internal_ip, status, previous_status, command, notes,
	secrets, analyst, hash_algorithm, hash_value, log_id, operation_tags, metadata, observed_at`

const fileStatusScope = "file_status"

// FileObservation is one log row to fold into the file status table.
type FileObservation struct {
	Log           models.LogRow
	OperationTags []int64
	Metadata      map[string]interface{}
}

// FileStatusModel persists per-host file status and its history ledger.
type FileStatusModel struct {
	db    *DB
	cache *cache.Cache
}

// NewFileStatusModel creates the model. c may be nil to disable caching.
func NewFileStatusModel(db *DB, c *cache.Cache) *FileStatusModel {
	return &FileStatusModel{db: db, cache: c}
}

func fileStatusColumn(field string) string {
	switch field {
	case models.FieldFilename:
		return "filename"
	case models.FieldHostname:
		return "hostname"
	case models.FieldInternalIP:
		return "internal_ip"
	}
	return ""
}

// NormalizeStatus upper-cases a status, defaulting to UNKNOWN.
func NormalizeStatus(status string) string {
	status = strings.ToUpper(strings.TrimSpace(status))
	if status == "" {
		return models.StatusUnknown
	}
	return status
}

// RedactSecrets returns the ledger value for a secrets field.
func RedactSecrets(secrets string) string {
	if strings.TrimSpace(secrets) == "" {
		return ""
	}
	return models.SecretsRedacted
}

// Record applies observations oldest first in one transaction. Rows without a
// filename or timestamp are skipped. It returns the number applied.
func (m *FileStatusModel) Record(ctx context.Context, observations []FileObservation) (int, error) {
	valid := make([]FileObservation, 0, len(observations))
	for _, obs := range observations {
		if strings.TrimSpace(obs.Log.Filename) == "" || obs.Log.Timestamp.IsZero() {
			continue
		}
		valid = append(valid, obs)
	}
	if len(valid) == 0 {
		return 0, nil
	}
	sort.SliceStable(valid, func(i, j int) bool {
		a, b := valid[i].Log, valid[j].Log
		if a.Timestamp.Equal(b.Timestamp) {
			return a.ID < b.ID
		}
		return a.Timestamp.Before(b.Timestamp)
	})

	err := m.db.withTx(ctx, func(tx *sql.Tx) error {
		for _, obs := range valid {
			if err := m.recordTx(ctx, tx, obs); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("record file status: %w", err)
	}
	m.invalidate()
	return len(valid), nil
}

func (m *FileStatusModel) recordTx(ctx context.Context, tx *sql.Tx, obs FileObservation) error {
	log := obs.Log
	filename := strings.TrimSpace(log.Filename)
	hostname := strings.TrimSpace(log.Hostname)
	internalIP := strings.TrimSpace(log.InternalIP)
	status := NormalizeStatus(log.Status)
	ts := log.Timestamp
	tags, _ := unionIDs(nil, obs.OperationTags)
	var logIDs []int64
	if log.ID != 0 {
		logIDs = []int64{log.ID}
	}

	existing, err := scanFileStatus(m.db.queryRow(ctx, tx, `SELECT `+fileStatusColumns+` FROM file_status
		WHERE filename = ? AND hostname = ? AND internal_ip = ?`+m.db.forUpdate(),
		filename, hostname, internalIP))
	previous := ""
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = m.db.exec(ctx, tx, `INSERT INTO file_status
			(filename, hostname, internal_ip, external_ip, username, analyst, status, hash_algorithm, hash_value,
			 metadata, operation_tags, source_log_ids, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			filename, hostname, internalIP, strings.TrimSpace(log.ExternalIP), strings.TrimSpace(log.Username),
			strings.TrimSpace(log.Analyst), status, log.HashAlgorithm, log.HashValue,
			encodeMetadata(obs.Metadata), encodeIDs(tags), encodeIDs(logIDs), toMillis(ts), toMillis(ts))
		if err != nil {
			return fmt.Errorf("insert file status %q: %w", filename, err)
		}
	case err != nil:
		return fmt.Errorf("select file status %q: %w", filename, err)
	default:
		previous, err = m.previousStatusTx(ctx, tx, filename, hostname, internalIP, ts)
		if err != nil {
			return err
		}
		rec := *existing
		if !ts.Before(rec.LastSeen) {
			rec.Status = status
			rec.LastSeen = ts
			if len(obs.Metadata) > 0 {
				rec.Metadata = obs.Metadata
			}
			overwrite(&rec.ExternalIP, log.ExternalIP)
			overwrite(&rec.Username, log.Username)
			overwrite(&rec.Analyst, log.Analyst)
			overwrite(&rec.HashAlgorithm, log.HashAlgorithm)
			overwrite(&rec.HashValue, log.HashValue)
		}
		if ts.Before(rec.FirstSeen) {
			rec.FirstSeen = ts
		}
		rec.OperationTags, _ = unionIDs(rec.OperationTags, tags)
		rec.SourceLogIDs, _ = unionIDs(rec.SourceLogIDs, logIDs)
		if err := m.updateTx(ctx, tx, rec); err != nil {
			return err
		}
	}

	res, err := m.db.exec(ctx, tx, `INSERT INTO file_status_history
		(filename, hostname, internal_ip, status, previous_status, command, notes, secrets, analyst,
		 hash_algorithm, hash_value, log_id, operation_tags, metadata, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (log_id, filename, hostname, internal_ip) DO NOTHING`,
		filename, hostname, internalIP, status, previous, strings.TrimSpace(log.Command), log.Notes,
		RedactSecrets(log.Secrets), strings.TrimSpace(log.Analyst), log.HashAlgorithm, log.HashValue,
		log.ID, encodeIDs(tags), encodeMetadata(obs.Metadata), toMillis(ts))
	if err != nil {
		return fmt.Errorf("append file status history %q: %w", filename, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}

	// A backdated entry becomes the previous status of the one after it.
	_, err = m.db.exec(ctx, tx, `UPDATE file_status_history SET previous_status = ?
		WHERE id = (SELECT id FROM file_status_history
			WHERE filename = ? AND hostname = ? AND internal_ip = ? AND observed_at > ?
			ORDER BY observed_at ASC, id ASC LIMIT 1)`,
		status, filename, hostname, internalIP, toMillis(ts))
	if err != nil {
		return fmt.Errorf("relink file status history %q: %w", filename, err)
	}
	return nil
}

// previousStatusTx returns the status of the latest ledger entry observed at
// or before ts, or "" when there is none.
func (m *FileStatusModel) previousStatusTx(ctx context.Context, tx *sql.Tx, filename, hostname, internalIP string, ts time.Time) (string, error) {
	var status string
	err := m.db.queryRow(ctx, tx, `SELECT status FROM file_status_history
		WHERE filename = ? AND hostname = ? AND internal_ip = ? AND observed_at <= ?
		ORDER BY observed_at DESC, id DESC LIMIT 1`,
		filename, hostname, internalIP, toMillis(ts)).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("previous file status %q: %w", filename, err)
	}
	return status, nil
}

func overwrite(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func (m *FileStatusModel) updateTx(ctx context.Context, tx *sql.Tx, rec models.FileStatusRecord) error {
	_, err := m.db.exec(ctx, tx, `UPDATE file_status SET filename = ?, hostname = ?, internal_ip = ?,
		external_ip = ?, username = ?, analyst = ?, status = ?, hash_algorithm = ?, hash_value = ?, metadata = ?,
		operation_tags = ?, source_log_ids = ?, first_seen = ?, last_seen = ? WHERE id = ?`,
		rec.Filename, rec.Hostname, rec.InternalIP, rec.ExternalIP, rec.Username, rec.Analyst, rec.Status,
		rec.HashAlgorithm, rec.HashValue, encodeMetadata(rec.Metadata), encodeIDs(rec.OperationTags),
		encodeIDs(rec.SourceLogIDs), toMillis(rec.FirstSeen), toMillis(rec.LastSeen), rec.ID)
	if err != nil {
		return fmt.Errorf("update file status %d: %w", rec.ID, err)
	}
	return nil
}

// List returns every record with its history, most recently seen first.
func (m *FileStatusModel) List(ctx context.Context, operation int64) ([]models.FileStatusRecord, error) {
	key := cache.Key{Scope: fileStatusScope, Variant: "all|op=" + strconv.FormatInt(operation, 10)}
	if v, ok := m.cacheGet(key); ok {
		return v.([]models.FileStatusRecord), nil
	}

	query := `SELECT ` + fileStatusColumns + ` FROM file_status`
	var args []interface{}
	if operation != 0 {
		clause, opArgs := operationFilter("operation_tags", operation)
		query += " WHERE " + clause
		args = opArgs
	}
	query += ` ORDER BY last_seen DESC, id ASC`

	out, err := m.queryRecords(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list file status: %w", err)
	}
	if err := m.attachHistory(ctx, out); err != nil {
		return nil, err
	}
	m.cacheSet(key, out)
	return out, nil
}

func (m *FileStatusModel) attachHistory(ctx context.Context, records []models.FileStatusRecord) error {
	for i := range records {
		hist, err := m.History(ctx, records[i].Filename, records[i].Hostname, records[i].InternalIP)
		if err != nil {
			return err
		}
		records[i].History = hist
	}
	return nil
}

// Get returns the records for one filename on every host, each with its
// history oldest first.
func (m *FileStatusModel) Get(ctx context.Context, filename string, operation int64) ([]models.FileStatusRecord, error) {
	filename = strings.TrimSpace(filename)
	query := `SELECT ` + fileStatusColumns + ` FROM file_status WHERE filename = ?`
	args := []interface{}{filename}
	if operation != 0 {
		clause, opArgs := operationFilter("operation_tags", operation)
		query += " AND " + clause
		args = append(args, opArgs...)
	}
	query += ` ORDER BY last_seen DESC, id ASC`

	records, err := m.queryRecords(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get file status %q: %w", filename, err)
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	if err := m.attachHistory(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

// History returns the ledger of one file on one host, oldest first.
func (m *FileStatusModel) History(ctx context.Context, filename, hostname, internalIP string) ([]models.FileStatusHistoryEntry, error) {
	rows, err := m.db.query(ctx, m.db.sql, `SELECT `+historyColumns+` FROM file_status_history
		WHERE filename = ? AND hostname = ? AND internal_ip = ? ORDER BY observed_at ASC, id ASC`,
		filename, hostname, internalIP)
	if err != nil {
		return nil, fmt.Errorf("file status history %q: %w", filename, err)
	}
	defer rows.Close()

	out := make([]models.FileStatusHistoryEntry, 0)
	for rows.Next() {
		var (
			e          models.FileStatusHistoryEntry
			tags, meta string
			observed   int64
		)
		if err := rows.Scan(&e.ID, &e.Filename, &e.Hostname, &e.InternalIP, &e.Status, &e.PreviousStatus,
			&e.Command, &e.Notes, &e.Secrets, &e.Analyst, &e.HashAlgorithm, &e.HashValue, &e.LogID,
			&tags, &meta, &observed); err != nil {
			return nil, err
		}
		e.OperationTags = decodeIDs(tags)
		e.Metadata = decodeMetadata(meta)
		e.Timestamp = fromMillis(observed)
		// Rows written before redaction was enforced must not leak either.
		e.Secrets = RedactSecrets(e.Secrets)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats returns counts by status plus distinct files and hosts.
func (m *FileStatusModel) Stats(ctx context.Context) (models.FileStatusStats, error) {
	key := cache.Key{Scope: fileStatusScope, Variant: "stats"}
	if v, ok := m.cacheGet(key); ok {
		return v.(models.FileStatusStats), nil
	}

	stats := models.FileStatusStats{ByStatus: make(map[string]int)}
	rows, err := m.db.query(ctx, m.db.sql, `SELECT status, COUNT(*) FROM file_status GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("file status stats: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByStatus[status] = n
	}
	if err := rows.Close(); err != nil {
		return stats, err
	}

	err = m.db.queryRow(ctx, m.db.sql, `SELECT COUNT(DISTINCT filename),
		COUNT(DISTINCT CASE WHEN hostname <> '' THEN hostname END) FROM file_status`).
		Scan(&stats.TotalFiles, &stats.TotalHosts)
	if err != nil {
		return stats, fmt.Errorf("file status totals: %w", err)
	}
	m.cacheSet(key, stats)
	return stats, nil
}

// renameTx re-keys records and history for a filename, hostname or
// internal_ip change, merging into any record already at the new key.
func (m *FileStatusModel) renameTx(ctx context.Context, tx *sql.Tx, field, oldValue, newValue string) (int, error) {
	col := fileStatusColumn(field)
	if col == "" || oldValue == "" || newValue == "" || oldValue == newValue {
		return 0, nil
	}

	records, err := m.queryRecordsTx(ctx, tx, `SELECT `+fileStatusColumns+` FROM file_status WHERE `+col+` = ? ORDER BY id`+m.db.forUpdate(), oldValue)
	if err != nil {
		return 0, fmt.Errorf("select file status to rename: %w", err)
	}

	for _, rec := range records {
		moved := rec
		switch col {
		case "filename":
			moved.Filename = newValue
		case "hostname":
			moved.Hostname = newValue
		case "internal_ip":
			moved.InternalIP = newValue
		}

		target, err := scanFileStatus(m.db.queryRow(ctx, tx, `SELECT `+fileStatusColumns+` FROM file_status
			WHERE filename = ? AND hostname = ? AND internal_ip = ?`+m.db.forUpdate(),
			moved.Filename, moved.Hostname, moved.InternalIP))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if err := m.updateTx(ctx, tx, moved); err != nil {
				return 0, err
			}
		case err != nil:
			return 0, fmt.Errorf("select file status merge target: %w", err)
		default:
			if _, err := m.db.exec(ctx, tx, `DELETE FROM file_status WHERE id = ?`, rec.ID); err != nil {
				return 0, fmt.Errorf("delete renamed file status: %w", err)
			}
			if err := m.updateTx(ctx, tx, mergeFileStatus(*target, moved)); err != nil {
				return 0, err
			}
		}
	}

	// Drop history rows that would duplicate a ledger entry at the new key.
	var others []string
	for _, c := range []string{"filename", "hostname", "internal_ip"} {
		if c != col {
			others = append(others, "h."+c+" = file_status_history."+c)
		}
	}
	_, err = m.db.exec(ctx, tx, `DELETE FROM file_status_history WHERE `+col+` = ? AND EXISTS (
		SELECT 1 FROM file_status_history h WHERE h.log_id = file_status_history.log_id
		AND h.`+col+` = ? AND `+strings.Join(others, " AND ")+`)`, oldValue, newValue)
	if err != nil {
		return 0, fmt.Errorf("dedupe file status history: %w", err)
	}
	if _, err := m.db.exec(ctx, tx, `UPDATE file_status_history SET `+col+` = ? WHERE `+col+` = ?`, newValue, oldValue); err != nil {
		return 0, fmt.Errorf("rename file status history: %w", err)
	}
	return len(records), nil
}

func mergeFileStatus(existing, incoming models.FileStatusRecord) models.FileStatusRecord {
	out := existing
	if incoming.LastSeen.After(out.LastSeen) {
		out.Status = incoming.Status
		out.LastSeen = incoming.LastSeen
		out.Metadata = incoming.Metadata
		overwrite(&out.ExternalIP, incoming.ExternalIP)
		overwrite(&out.Username, incoming.Username)
		overwrite(&out.Analyst, incoming.Analyst)
		overwrite(&out.HashAlgorithm, incoming.HashAlgorithm)
		overwrite(&out.HashValue, incoming.HashValue)
	}
	if incoming.FirstSeen.Before(out.FirstSeen) {
		out.FirstSeen = incoming.FirstSeen
	}
	out.OperationTags, _ = unionIDs(existing.OperationTags, incoming.OperationTags)
	out.SourceLogIDs, _ = unionIDs(existing.SourceLogIDs, incoming.SourceLogIDs)
	return out
}

func (m *FileStatusModel) queryRecords(ctx context.Context, query string, args ...interface{}) ([]models.FileStatusRecord, error) {
	return m.queryRecordsTx(ctx, m.db.sql, query, args...)
}

func (m *FileStatusModel) queryRecordsTx(ctx context.Context, q querier, query string, args ...interface{}) ([]models.FileStatusRecord, error) {
	rows, err := m.db.query(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.FileStatusRecord, 0)
	for rows.Next() {
		rec, err := scanFileStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanFileStatus(s scanner) (*models.FileStatusRecord, error) {
	var (
		rec                    models.FileStatusRecord
		meta, tags, sourceLogs string
		firstSeen, lastSeen    int64
	)
	err := s.Scan(&rec.ID, &rec.Filename, &rec.Hostname, &rec.InternalIP, &rec.ExternalIP, &rec.Username,
		&rec.Analyst, &rec.Status, &rec.HashAlgorithm, &rec.HashValue, &meta, &tags, &sourceLogs,
		&firstSeen, &lastSeen)
	if err != nil {
		return nil, err
	}
	rec.Metadata = decodeMetadata(meta)
	rec.OperationTags = decodeIDs(tags)
	rec.SourceLogIDs = decodeIDs(sourceLogs)
	rec.FirstSeen = fromMillis(firstSeen)
	rec.LastSeen = fromMillis(lastSeen)
	return &rec, nil
}

func (m *FileStatusModel) cacheGet(key cache.Key) (interface{}, bool) {
	if m.cache == nil {
		return nil, false
	}
	return m.cache.Get(key)
}

func (m *FileStatusModel) cacheSet(key cache.Key, v interface{}) {
	if m.cache != nil {
		m.cache.Set(key, v)
	}
}

func (m *FileStatusModel) invalidate() {
	if m.cache != nil {
		m.cache.Invalidate(fileStatusScope)
	}
}
