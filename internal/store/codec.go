package store

import (
	"encoding/json"
	"sort"
	"strconv"
)

func encodeIDs(ids []int64) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeIDs(raw string) []int64 {
	if raw == "" {
		return nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil
	}
	return ids
}

// unionIDs merges id sets, returning a sorted slice without duplicates and
// whether anything was added to base.
func unionIDs(base []int64, add ...[]int64) ([]int64, bool) {
	seen := make(map[int64]struct{}, len(base))
	out := make([]int64, 0, len(base))
	for _, id := range base {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	changed := false
	for _, list := range add {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
			changed = true
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, changed
}

func encodeMetadata(m map[string]interface{}) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMetadata(raw string) map[string]interface{} {
	if raw == "" || raw == "{}" {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

// operationFilter matches an id inside a JSON integer array column without
// relying on dialect JSON functions.
func operationFilter(column string, tag int64) (string, []interface{}) {
	id := strconv.FormatInt(tag, 10)
	clause := "(" + column + " = ? OR " + column + " LIKE ? OR " + column + " LIKE ? OR " + column + " LIKE ?)"
	return clause, []interface{}{"[" + id + "]", "[" + id + ",%", "%," + id + "]", "%," + id + ",%"}
}
