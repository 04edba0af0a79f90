package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"relgraph/internal/logger"
	"relgraph/pkg/models"
)

// RenameResult summarises an UpdateFieldValue call.
type RenameResult struct {
	Relations  int `json:"relations"`
	Merged     int `json:"merged"`
	FileStatus int `json:"file_status"`
}

// UpdateFieldValue re-keys every relation that references oldValue as a node
// of the field's type, merging into any relation that already exists under
// newValue. Equal or empty values are a no-op. The whole rename is one
// transaction.
func (m *RelationsModel) UpdateFieldValue(ctx context.Context, field, oldValue, newValue string) (RenameResult, error) {
	var res RenameResult
	relType, hasRelations := RelationTypeForField(field)
	fileKeyed := m.files != nil && fileStatusColumn(field) != ""
	if !hasRelations && !fileKeyed {
		return res, fmt.Errorf("field %q cannot be renamed", field)
	}

	oldNorm, newNorm := strings.TrimSpace(oldValue), strings.TrimSpace(newValue)
	if hasRelations {
		oldNorm, newNorm = normalizeValue(relType, oldValue), normalizeValue(relType, newValue)
	}
	if oldNorm == "" || newNorm == "" || oldNorm == newNorm {
		return res, nil
	}

	err := m.db.withTx(ctx, func(tx *sql.Tx) error {
		if hasRelations {
			moved, merged, err := m.renameRelationsTx(ctx, tx, relType, oldNorm, newNorm)
			if err != nil {
				return err
			}
			res.Relations, res.Merged = moved, merged
		}
		if fileKeyed {
			n, err := m.files.renameTx(ctx, tx, field, strings.TrimSpace(oldValue), strings.TrimSpace(newValue))
			if err != nil {
				return err
			}
			res.FileStatus = n
		}
		return nil
	})
	if err != nil {
		logger.Errorf("Rename %s %q -> %q rolled back: %v", field, oldValue, newValue, err)
		return RenameResult{}, fmt.Errorf("update field value: %w", err)
	}

	if res.Relations > 0 && m.cache != nil {
		// Moved rows may have had any type on the other side.
		m.cache.Clear()
	}
	if res.FileStatus > 0 {
		m.files.invalidate()
	}
	logger.Infof("Renamed %s %q -> %q: %d relations (%d merged), %d file records",
		field, oldValue, newValue, res.Relations, res.Merged, res.FileStatus)
	return res, nil
}

func (m *RelationsModel) renameRelationsTx(ctx context.Context, tx *sql.Tx, relType, oldValue, newValue string) (int, int, error) {
	rows, err := m.db.query(ctx, tx, `SELECT `+relationColumns+` FROM relations
		WHERE (source_type = ? AND source_value = ?) OR (target_type = ? AND target_value = ?)
		ORDER BY id`+m.db.forUpdate(),
		relType, oldValue, relType, oldValue)
	if err != nil {
		return 0, 0, fmt.Errorf("select relations to rename: %w", err)
	}
	var affected []models.Relation
	for rows.Next() {
		rel, err := scanRelation(rows)
		if err != nil {
			rows.Close()
			return 0, 0, err
		}
		affected = append(affected, *rel)
	}
	if err := rows.Close(); err != nil {
		return 0, 0, err
	}
	if len(affected) == 0 {
		return 0, 0, nil
	}

	ids := make([]interface{}, len(affected))
	for i, rel := range affected {
		ids[i] = rel.ID
	}
	if _, err := m.db.exec(ctx, tx, `DELETE FROM relations WHERE id IN (`+placeholders(len(ids))+`)`, ids...); err != nil {
		return 0, 0, fmt.Errorf("delete renamed relations: %w", err)
	}

	merged := 0
	for _, rel := range affected {
		if rel.SourceType == relType && rel.SourceValue == oldValue {
			rel.SourceValue = newValue
		}
		if rel.TargetType == relType && rel.TargetValue == oldValue {
			rel.TargetValue = newValue
		}
		didMerge, err := m.mergeTx(ctx, tx, rel)
		if err != nil {
			return 0, 0, err
		}
		if didMerge {
			merged++
		}
	}
	return len(affected), merged, nil
}

// mergeTx writes a full relation row, combining it with an existing row under
// the same identity: strength takes the max, connection counts add up, the
// seen window widens, metadata comes from the more recently seen row and the
// id sets are unioned.
func (m *RelationsModel) mergeTx(ctx context.Context, tx *sql.Tx, rel models.Relation) (bool, error) {
	row := m.db.queryRow(ctx, tx, `SELECT `+relationColumns+` FROM relations
		WHERE source_type = ? AND source_value = ? AND target_type = ? AND target_value = ?`+m.db.forUpdate(),
		rel.SourceType, rel.SourceValue, rel.TargetType, rel.TargetValue)
	existing, err := scanRelation(row)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = m.db.exec(ctx, tx, `INSERT INTO relations
			(source_type, source_value, target_type, target_value, strength, connection_count,
			 first_seen, last_seen, metadata, operation_tags, source_log_ids)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rel.SourceType, rel.SourceValue, rel.TargetType, rel.TargetValue, rel.Strength, rel.ConnectionCount,
			toMillis(rel.FirstSeen), toMillis(rel.LastSeen), encodeMetadata(rel.Metadata),
			encodeIDs(rel.OperationTags), encodeIDs(rel.SourceLogIDs))
		if err != nil {
			return false, fmt.Errorf("reinsert renamed relation: %w", err)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select merge target: %w", err)
	}

	merged := mergeRelations(*existing, rel)
	_, err = m.db.exec(ctx, tx, `UPDATE relations SET strength = ?, connection_count = ?, first_seen = ?,
		last_seen = ?, metadata = ?, operation_tags = ?, source_log_ids = ? WHERE id = ?`,
		merged.Strength, merged.ConnectionCount, toMillis(merged.FirstSeen), toMillis(merged.LastSeen),
		encodeMetadata(merged.Metadata), encodeIDs(merged.OperationTags), encodeIDs(merged.SourceLogIDs), existing.ID)
	if err != nil {
		return false, fmt.Errorf("merge renamed relation: %w", err)
	}
	return true, nil
}

func mergeRelations(existing, incoming models.Relation) models.Relation {
	out := existing
	if incoming.Strength > out.Strength {
		out.Strength = incoming.Strength
	}
	out.ConnectionCount = existing.ConnectionCount + incoming.ConnectionCount
	if !incoming.FirstSeen.IsZero() && (out.FirstSeen.IsZero() || incoming.FirstSeen.Before(out.FirstSeen)) {
		out.FirstSeen = incoming.FirstSeen
	}
	if incoming.LastSeen.After(out.LastSeen) {
		out.LastSeen = incoming.LastSeen
		out.Metadata = incoming.Metadata
	}
	out.OperationTags, _ = unionIDs(existing.OperationTags, incoming.OperationTags)
	out.SourceLogIDs, _ = unionIDs(existing.SourceLogIDs, incoming.SourceLogIDs)
	return out
}
