package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"relgraph/internal/cache"
	"relgraph/internal/extract"
	"relgraph/internal/logger"
	"relgraph/pkg/models"
)

const relationColumns = `id, source_type, source_value, target_type, target_value, strength,
	connection_count, first_seen, last_seen, metadata, operation_tags, source_log_ids`

// DefaultRelationLimit is used when a read asks for no limit.
const DefaultRelationLimit = 100

// RelationsModel persists relations and serves cached reads.
type RelationsModel struct {
	db    *DB
	cache *cache.Cache
	files *FileStatusModel
	now   func() time.Time
}

// NewRelationsModel creates the model. files may be nil; when set, renames of
// file-keyed fields are applied to file status records in the same
// transaction.
func NewRelationsModel(db *DB, c *cache.Cache, files *FileStatusModel) *RelationsModel {
	return &RelationsModel{db: db, cache: c, files: files, now: time.Now}
}

// RelationTypeForField maps a logs column to the node type it populates.
func RelationTypeForField(field string) (string, bool) {
	switch field {
	case models.FieldUsername:
		return models.TypeUsername, true
	case models.FieldHostname:
		return models.TypeHostname, true
	case models.FieldInternalIP, models.FieldExternalIP:
		return models.TypeIP, true
	case models.FieldDomain:
		return models.TypeDomain, true
	case models.FieldMacAddress:
		return models.TypeMacAddress, true
	case models.FieldCommand:
		return models.TypeCommand, true
	}
	return "", false
}

func normalizeValue(nodeType, value string) string {
	value = strings.TrimSpace(value)
	if nodeType == models.TypeMacAddress {
		return extract.NormalizeMAC(value)
	}
	return value
}

func normalizeInput(in models.RelationInput, now time.Time) (models.RelationInput, error) {
	in.SourceType = strings.TrimSpace(in.SourceType)
	in.TargetType = strings.TrimSpace(in.TargetType)
	in.SourceValue = normalizeValue(in.SourceType, in.SourceValue)
	in.TargetValue = normalizeValue(in.TargetType, in.TargetValue)
	if in.SourceType == "" || in.SourceValue == "" || in.TargetType == "" || in.TargetValue == "" {
		return in, ErrInvalidRelation
	}
	if in.LastSeen.IsZero() {
		in.LastSeen = now
	}
	if in.FirstSeen.IsZero() || in.FirstSeen.After(in.LastSeen) {
		in.FirstSeen = in.LastSeen
	}
	if in.Occurrences <= 0 {
		in.Occurrences = 1
	}
	return in, nil
}

// Upsert inserts a relation or folds an observation into the existing row
// with the same identity.
func (m *RelationsModel) Upsert(ctx context.Context, in models.RelationInput) error {
	norm, err := normalizeInput(in, m.now())
	if err != nil {
		return err
	}
	err = m.db.withTx(ctx, func(tx *sql.Tx) error {
		return m.upsertTx(ctx, tx, norm)
	})
	if err != nil {
		return fmt.Errorf("upsert relation: %w", err)
	}
	m.invalidate(norm.SourceType, norm.TargetType)
	return nil
}

// BatchUpsert applies many upserts in one transaction. Entries with an
// incomplete identity are skipped; any database error rolls back the whole
// batch. It returns the number of entries applied.
func (m *RelationsModel) BatchUpsert(ctx context.Context, inputs []models.RelationInput) (int, error) {
	now := m.now()
	valid := make([]models.RelationInput, 0, len(inputs))
	for _, in := range inputs {
		norm, err := normalizeInput(in, now)
		if err != nil {
			logger.Debugf("Skipping relation %s:%q -> %s:%q: %v", in.SourceType, in.SourceValue, in.TargetType, in.TargetValue, err)
			continue
		}
		valid = append(valid, norm)
	}
	if len(valid) == 0 {
		return 0, nil
	}

	err := m.db.withTx(ctx, func(tx *sql.Tx) error {
		for _, in := range valid {
			if err := m.upsertTx(ctx, tx, in); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("batch upsert relations: %w", err)
	}

	types := make([]string, 0, 2*len(valid))
	for _, in := range valid {
		types = append(types, in.SourceType, in.TargetType)
	}
	m.invalidate(types...)
	return len(valid), nil
}

func (m *RelationsModel) upsertTx(ctx context.Context, tx *sql.Tx, in models.RelationInput) error {
	var logIDs []int64
	if in.LogID != 0 {
		logIDs = []int64{in.LogID}
	}
	tags, _ := unionIDs(nil, in.OperationTags)
	logIDs, _ = unionIDs(nil, logIDs)

	_, err := m.db.exec(ctx, tx, `INSERT INTO relations
		(source_type, source_value, target_type, target_value, strength, connection_count,
		 first_seen, last_seen, metadata, operation_tags, source_log_ids)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT (source_type, source_value, target_type, target_value) DO UPDATE SET
			strength = relations.strength + excluded.strength,
			connection_count = relations.connection_count + 1,
			first_seen = CASE WHEN excluded.first_seen < relations.first_seen THEN excluded.first_seen ELSE relations.first_seen END,
			last_seen = CASE WHEN excluded.last_seen > relations.last_seen THEN excluded.last_seen ELSE relations.last_seen END,
			metadata = excluded.metadata`,
		in.SourceType, in.SourceValue, in.TargetType, in.TargetValue, in.Occurrences,
		toMillis(in.FirstSeen), toMillis(in.LastSeen), encodeMetadata(in.Metadata),
		encodeIDs(tags), encodeIDs(logIDs))
	if err != nil {
		return fmt.Errorf("upsert %s->%s: %w", in.SourceType, in.TargetType, err)
	}
	if len(tags) == 0 && len(logIDs) == 0 {
		return nil
	}

	// Set columns are unioned in Go; the upsert above already holds the row.
	var id int64
	var rawTags, rawLogs string
	err = m.db.queryRow(ctx, tx, `SELECT id, operation_tags, source_log_ids FROM relations
		WHERE source_type = ? AND source_value = ? AND target_type = ? AND target_value = ?`,
		in.SourceType, in.SourceValue, in.TargetType, in.TargetValue).Scan(&id, &rawTags, &rawLogs)
	if err != nil {
		return fmt.Errorf("read relation sets: %w", err)
	}
	mergedTags, tagsChanged := unionIDs(decodeIDs(rawTags), tags)
	mergedLogs, logsChanged := unionIDs(decodeIDs(rawLogs), logIDs)
	if !tagsChanged && !logsChanged {
		return nil
	}
	_, err = m.db.exec(ctx, tx, `UPDATE relations SET operation_tags = ?, source_log_ids = ? WHERE id = ?`,
		encodeIDs(mergedTags), encodeIDs(mergedLogs), id)
	if err != nil {
		return fmt.Errorf("update relation sets: %w", err)
	}
	return nil
}

// Get returns the relation with the given identity.
func (m *RelationsModel) Get(ctx context.Context, sourceType, sourceValue, targetType, targetValue string) (*models.Relation, error) {
	row := m.db.queryRow(ctx, m.db.sql, `SELECT `+relationColumns+` FROM relations
		WHERE source_type = ? AND source_value = ? AND target_type = ? AND target_value = ?`,
		sourceType, normalizeValue(sourceType, sourceValue), targetType, normalizeValue(targetType, targetValue))
	rel, err := scanRelation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get relation: %w", err)
	}
	return rel, nil
}

// List returns relations whose source has the given type, most recently seen
// first. A non-zero operation restricts results to that operation tag.
func (m *RelationsModel) List(ctx context.Context, relType string, limit int, operation int64) ([]models.Relation, error) {
	if limit <= 0 {
		limit = DefaultRelationLimit
	}
	key := cache.Key{Scope: relType, Variant: "limit=" + strconv.Itoa(limit) + "|op=" + strconv.FormatInt(operation, 10)}
	if v, ok := m.cacheGet(key); ok {
		return v, nil
	}

	query := `SELECT ` + relationColumns + ` FROM relations WHERE source_type = ?`
	args := []interface{}{relType}
	if operation != 0 {
		clause, opArgs := operationFilter("operation_tags", operation)
		query += " AND " + clause
		args = append(args, opArgs...)
	}
	query += ` ORDER BY last_seen DESC, strength DESC, id ASC LIMIT ?`
	args = append(args, limit)

	out, err := m.queryRelations(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list relations %s: %w", relType, err)
	}
	m.cacheSet(key, out)
	return out, nil
}

// ListByValue returns relations touching the given node on either side.
func (m *RelationsModel) ListByValue(ctx context.Context, relType, value string, operation int64) ([]models.Relation, error) {
	value = normalizeValue(relType, value)
	key := cache.Key{Scope: relType, Variant: "value=" + value + "|op=" + strconv.FormatInt(operation, 10)}
	if v, ok := m.cacheGet(key); ok {
		return v, nil
	}

	query := `SELECT ` + relationColumns + ` FROM relations
		WHERE ((source_type = ? AND source_value = ?) OR (target_type = ? AND target_value = ?))`
	args := []interface{}{relType, value, relType, value}
	if operation != 0 {
		clause, opArgs := operationFilter("operation_tags", operation)
		query += " AND " + clause
		args = append(args, opArgs...)
	}
	query += ` ORDER BY last_seen DESC, strength DESC, id ASC`

	out, err := m.queryRelations(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list relations for %s %q: %w", relType, value, err)
	}
	m.cacheSet(key, out)
	return out, nil
}

// Count returns the number of stored relations.
func (m *RelationsModel) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := m.db.queryRow(ctx, m.db.sql, `SELECT COUNT(*) FROM relations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count relations: %w", err)
	}
	return n, nil
}

// DeleteOlderThan removes relations not seen for the given number of days.
func (m *RelationsModel) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("retention days must be positive, got %d", days)
	}
	cutoff := m.now().Add(-time.Duration(days) * 24 * time.Hour)
	res, err := m.db.exec(ctx, m.db.sql, `DELETE FROM relations WHERE last_seen < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old relations: %w", err)
	}
	n, _ := res.RowsAffected()
	if m.cache != nil {
		m.cache.Clear()
	}
	return n, nil
}

func (m *RelationsModel) queryRelations(ctx context.Context, query string, args ...interface{}) ([]models.Relation, error) {
	rows, err := m.db.query(ctx, m.db.sql, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Relation, 0)
	for rows.Next() {
		rel, err := scanRelation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rel)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRelation(s scanner) (*models.Relation, error) {
	var (
		rel                    models.Relation
		first, last            int64
		meta, tags, sourceLogs string
	)
	err := s.Scan(&rel.ID, &rel.SourceType, &rel.SourceValue, &rel.TargetType, &rel.TargetValue,
		&rel.Strength, &rel.ConnectionCount, &first, &last, &meta, &tags, &sourceLogs)
	if err != nil {
		return nil, err
	}
	rel.FirstSeen = fromMillis(first)
	rel.LastSeen = fromMillis(last)
	rel.Metadata = decodeMetadata(meta)
	rel.OperationTags = decodeIDs(tags)
	rel.SourceLogIDs = decodeIDs(sourceLogs)
	return &rel, nil
}

func (m *RelationsModel) cacheGet(key cache.Key) ([]models.Relation, bool) {
	if m.cache == nil {
		return nil, false
	}
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, false
	}
	out, ok := v.([]models.Relation)
	return out, ok
}

func (m *RelationsModel) cacheSet(key cache.Key, v []models.Relation) {
	if m.cache != nil {
		m.cache.Set(key, v)
	}
}

func (m *RelationsModel) invalidate(types ...string) {
	if m.cache != nil {
		m.cache.Invalidate(types...)
	}
}
