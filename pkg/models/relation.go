package models

import "time"

// Node types used on either side of a relation.
const (
	TypeIP              = "ip"
	TypeHostname        = "hostname"
	TypeDomain          = "domain"
	TypeUsername        = "username"
	TypeCommand         = "command"
	TypeMacAddress      = "mac_address"
	TypeCommandSequence = "command_sequence"
	TypeDetection       = "detection"
)

// Relation is a directed labeled edge between two observed values.
// (SourceType, SourceValue, TargetType, TargetValue) is unique.
type Relation struct {
	ID              int64                  `json:"id"`
	SourceType      string                 `json:"source_type"`
	SourceValue     string                 `json:"source_value"`
	TargetType      string                 `json:"target_type"`
	TargetValue     string                 `json:"target_value"`
	Strength        int64                  `json:"strength"`
	ConnectionCount int64                  `json:"connection_count"`
	FirstSeen       time.Time              `json:"first_seen"`
	LastSeen        time.Time              `json:"last_seen"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	OperationTags   []int64                `json:"operation_tags,omitempty"`
	SourceLogIDs    []int64                `json:"source_log_ids,omitempty"`
}

// RelationInput is one upsert request produced by an extractor or analyzer.
type RelationInput struct {
	SourceType    string
	SourceValue   string
	TargetType    string
	TargetValue   string
	Metadata      map[string]interface{}
	OperationTags []int64
	LogID         int64
	FirstSeen     time.Time
	LastSeen      time.Time
	// Occurrences is the number of observations folded into this input; zero counts as one.
	Occurrences int64
}

// HasOperationTag reports whether tag is attached to the relation.
func (r *Relation) HasOperationTag(tag int64) bool {
	for _, t := range r.OperationTags {
		if t == tag {
			return true
		}
	}
	return false
}
