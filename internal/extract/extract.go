package extract

import (
	"strings"
	"time"

	"relgraph/pkg/models"
)

// Candidate is one deduplicated relation observed in a set of log rows.
type Candidate struct {
	Kind        string
	SourceType  string
	SourceValue string
	TargetType  string
	TargetValue string
	FirstSeen   time.Time
	LastSeen    time.Time
	// LogID is the id of the most recent row in the group.
	LogID    int64
	Count    int
	Metadata map[string]interface{}
}

// Input converts the candidate to an upsert request, attributing it to the
// operation tags of its representative log.
func (c Candidate) Input(tags models.LogTags) models.RelationInput {
	var opTags []int64
	if tags != nil {
		opTags = tags[c.LogID]
	}
	return models.RelationInput{
		SourceType:    c.SourceType,
		SourceValue:   c.SourceValue,
		TargetType:    c.TargetType,
		TargetValue:   c.TargetValue,
		Metadata:      c.Metadata,
		OperationTags: opTags,
		LogID:         c.LogID,
		FirstSeen:     c.FirstSeen,
		LastSeen:      c.LastSeen,
		Occurrences:   int64(c.Count),
	}
}

// Extractor turns log rows into candidates for one relation kind.
type Extractor struct {
	Kind       string
	SourceType string
	TargetType string
	source     func(*models.LogRow) string
	target     func(*models.LogRow) string
	metadata   func(latest *models.LogRow) map[string]interface{}
}

type pairKey struct {
	source string
	target string
}

type group struct {
	first  time.Time
	last   time.Time
	latest *models.LogRow
	count  int
}

// Extract groups rows by (source, target) value. Rows missing either side are
// ignored; empty strings count as missing.
func (e Extractor) Extract(logs []models.LogRow) []Candidate {
	groups := make(map[pairKey]*group)
	order := make([]pairKey, 0)

	for i := range logs {
		row := &logs[i]
		if row.Timestamp.IsZero() {
			continue
		}
		src := e.source(row)
		dst := e.target(row)
		if src == "" || dst == "" {
			continue
		}
		key := pairKey{source: src, target: dst}
		g, ok := groups[key]
		if !ok {
			g = &group{first: row.Timestamp, last: row.Timestamp, latest: row}
			groups[key] = g
			order = append(order, key)
		}
		g.count++
		if row.Timestamp.Before(g.first) {
			g.first = row.Timestamp
		}
		if row.Timestamp.After(g.last) {
			g.last = row.Timestamp
			g.latest = row
		}
	}

	out := make([]Candidate, 0, len(order))
	for _, key := range order {
		g := groups[key]
		var meta map[string]interface{}
		if e.metadata != nil {
			meta = e.metadata(g.latest)
		}
		if meta == nil {
			meta = map[string]interface{}{}
		}
		meta["type"] = e.Kind
		out = append(out, Candidate{
			Kind:        e.Kind,
			SourceType:  e.SourceType,
			SourceValue: key.source,
			TargetType:  e.TargetType,
			TargetValue: key.target,
			FirstSeen:   g.first,
			LastSeen:    g.last,
			LogID:       g.latest.ID,
			Count:       g.count,
			Metadata:    meta,
		})
	}
	return out
}

func trimmed(field func(*models.LogRow) string) func(*models.LogRow) string {
	return func(row *models.LogRow) string {
		return strings.TrimSpace(field(row))
	}
}

func macOf(row *models.LogRow) string {
	v := strings.TrimSpace(row.MacAddress)
	if v == "" {
		return ""
	}
	return NormalizeMAC(v)
}

// NormalizeMAC canonicalises a MAC address to upper-case dash-separated form,
// so aa:bb:cc:dd:ee:ff, AA-BB-CC-DD-EE-FF and aabbccddeeff are the same node.
// Values that are not hex after stripping separators are only upper-cased.
func NormalizeMAC(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	var hex strings.Builder
	for _, r := range raw {
		switch {
		case r == ':' || r == '-' || r == '.' || r == ' ':
			continue
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
			hex.WriteRune(r)
		default:
			return strings.ToUpper(raw)
		}
	}
	digits := strings.ToUpper(hex.String())
	if digits == "" || len(digits)%2 != 0 {
		return strings.ToUpper(raw)
	}
	var b strings.Builder
	for i := 0; i < len(digits); i += 2 {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(digits[i : i+2])
	}
	return b.String()
}
