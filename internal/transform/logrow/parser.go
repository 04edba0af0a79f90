package logrow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"relgraph/internal/logger"
	"relgraph/pkg/models"
)

// ParseLog converts one loosely-typed JSON log object into a LogRow.
func ParseLog(data []byte) (*models.LogRow, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	row := FromMap(raw)
	return &row, nil
}

// FromMap builds a LogRow from a decoded JSON object. Both snake_case and
// camelCase keys are accepted; unknown keys are ignored.
func FromMap(raw map[string]interface{}) models.LogRow {
	row := models.LogRow{
		ID:            getInt64(raw, "id", "log_id", "logId"),
		Username:      getString(raw, "username", "user"),
		Hostname:      getString(raw, "hostname", "host.name"),
		Domain:        getString(raw, "domain"),
		InternalIP:    getString(raw, "internal_ip", "internalIp"),
		ExternalIP:    getString(raw, "external_ip", "externalIp"),
		MacAddress:    getString(raw, "mac_address", "macAddress"),
		Command:       getString(raw, "command"),
		Filename:      getString(raw, "filename"),
		Status:        getString(raw, "status"),
		Secrets:       getString(raw, "secrets"),
		Analyst:       getString(raw, "analyst"),
		Notes:         getString(raw, "notes"),
		HashAlgorithm: getString(raw, "hash_algorithm", "hashAlgorithm"),
		HashValue:     getString(raw, "hash_value", "hashValue"),
	}
	if v, ok := getPath(raw, "timestamp"); ok {
		if t, ok := parseTime(v); ok {
			row.Timestamp = t
		}
	}
	if row.Timestamp.IsZero() {
		logger.Debugf("Log %d has no usable timestamp", row.ID)
	}
	return row
}

// ParseNotification decodes a change notification. A payload without a type
// but with a fieldType is treated as a field update.
func ParseNotification(data []byte) (*models.Notification, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}

	n := &models.Notification{Type: strings.ToLower(getString(raw, "type"))}
	if n.Type == "" && getString(raw, "fieldType", "field_type") != "" {
		n.Type = models.NotifyFieldUpdate
	}

	switch n.Type {
	case models.NotifyFieldUpdate:
		src := raw
		if nested, ok := raw["field_update"].(map[string]interface{}); ok {
			src = nested
		}
		fu := &models.FieldUpdate{
			FieldType: getString(src, "fieldType", "field_type"),
			OldValue:  getString(src, "oldValue", "old_value"),
			NewValue:  getString(src, "newValue", "new_value"),
			Username:  getString(src, "username"),
		}
		if fu.FieldType == "" {
			return nil, fmt.Errorf("field update without fieldType")
		}
		n.FieldUpdate = fu
	case models.NotifyTemplateUpdate:
	case models.NotifyLogs:
		if items, ok := raw["logs"].([]interface{}); ok {
			for _, it := range items {
				m, ok := it.(map[string]interface{})
				if !ok {
					continue
				}
				n.Logs = append(n.Logs, FromMap(m))
			}
		}
		for _, key := range []string{"log_ids", "logIds"} {
			items, ok := raw[key].([]interface{})
			if !ok {
				continue
			}
			for _, it := range items {
				if id, ok := toInt64(it); ok && id > 0 {
					n.LogIDs = append(n.LogIDs, id)
				}
			}
		}
		if len(n.Logs) == 0 && len(n.LogIDs) == 0 {
			return nil, fmt.Errorf("logs notification carries no logs or log ids")
		}
	default:
		return nil, fmt.Errorf("unknown notification type %q", n.Type)
	}
	return n, nil
}

func parseTime(v interface{}) (time.Time, bool) {
	switch val := v.(type) {
	case float64:
		return fromEpoch(int64(val)), val > 0
	case string:
		value := strings.TrimSpace(val)
		if value == "" {
			return time.Time{}, false
		}
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return fromEpoch(n), n > 0
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if t, err := time.Parse(layout, value); err == nil {
				return t.UTC(), true
			}
		}
		for _, layout := range []string{
			"2006-01-02T15:04:05.999999999",
			"2006-01-02 15:04:05.999999999",
			"2006-01-02T15:04:05",
			"2006-01-02 15:04:05",
			"01/02/2006 15:04:05",
		} {
			if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// fromEpoch accepts seconds or milliseconds.
func fromEpoch(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func getString(root map[string]interface{}, paths ...string) string {
	for _, path := range paths {
		if v, ok := getPath(root, path); ok {
			switch val := v.(type) {
			case string:
				return strings.TrimSpace(val)
			case float64:
				if val == float64(int64(val)) {
					return strconv.FormatInt(int64(val), 10)
				}
				return strconv.FormatFloat(val, 'f', -1, 64)
			case bool:
				return strconv.FormatBool(val)
			}
		}
	}
	return ""
}

func getInt64(root map[string]interface{}, paths ...string) int64 {
	for _, path := range paths {
		if v, ok := getPath(root, path); ok {
			if n, ok := toInt64(v); ok {
				return n
			}
		}
	}
	return 0
}

func toInt64(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case float64:
		return int64(val), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func getPath(root map[string]interface{}, path string) (interface{}, bool) {
	if v, ok := root[path]; ok {
		return v, v != nil
	}
	parts := strings.Split(path, ".")
	if len(parts) == 1 {
		return nil, false
	}
	var current interface{} = root
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		current = v
	}
	return current, current != nil
}
