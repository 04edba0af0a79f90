package models

import "time"

// File statuses. Any status may follow any other.
const (
	StatusOnDisk    = "ON_DISK"
	StatusInMemory  = "IN_MEMORY"
	StatusEncrypted = "ENCRYPTED"
	StatusRemoved   = "REMOVED"
	StatusCleaned   = "CLEANED"
	StatusDormant   = "DORMANT"
	StatusDetected  = "DETECTED"
	StatusUnknown   = "UNKNOWN"
)

// KnownStatuses lists the statuses recognised by the UI.
var KnownStatuses = []string{
	StatusOnDisk,
	StatusInMemory,
	StatusEncrypted,
	StatusRemoved,
	StatusCleaned,
	StatusDormant,
	StatusDetected,
	StatusUnknown,
}

// SecretsRedacted replaces any non-empty secret written to the history ledger.
const SecretsRedacted = "[REDACTED]"

// FileStatusRecord is the current status of a file on one host.
// Hostname and InternalIP are empty when the host is unspecified.
type FileStatusRecord struct {
	ID            int64                    `json:"id"`
	Filename      string                   `json:"filename"`
	Hostname      string                   `json:"hostname"`
	InternalIP    string                   `json:"internal_ip"`
	ExternalIP    string                   `json:"external_ip,omitempty"`
	Username      string                   `json:"username,omitempty"`
	Analyst       string                   `json:"analyst,omitempty"`
	Status        string                   `json:"status"`
	HashAlgorithm string                   `json:"hash_algorithm,omitempty"`
	HashValue     string                   `json:"hash_value,omitempty"`
	Metadata      map[string]interface{}   `json:"metadata,omitempty"`
	OperationTags []int64                  `json:"operation_tags,omitempty"`
	SourceLogIDs  []int64                  `json:"source_log_ids,omitempty"`
	FirstSeen     time.Time                `json:"first_seen"`
	LastSeen      time.Time                `json:"last_seen"`
	History       []FileStatusHistoryEntry `json:"history,omitempty"`
}

// FileStatusHistoryEntry is one immutable ledger row.
type FileStatusHistoryEntry struct {
	ID             int64                  `json:"id"`
	Filename       string                 `json:"filename"`
	Hostname       string                 `json:"hostname"`
	InternalIP     string                 `json:"internal_ip"`
	Status         string                 `json:"status"`
	PreviousStatus string                 `json:"previous_status,omitempty"`
	Command        string                 `json:"command,omitempty"`
	Notes          string                 `json:"notes,omitempty"`
	Secrets        string                 `json:"secrets,omitempty"`
	Analyst        string                 `json:"analyst,omitempty"`
	HashAlgorithm  string                 `json:"hash_algorithm,omitempty"`
	HashValue      string                 `json:"hash_value,omitempty"`
	LogID          int64                  `json:"log_id"`
	OperationTags  []int64                `json:"operation_tags,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// FileStatusStats summarises the file status table.
type FileStatusStats struct {
	TotalFiles int            `json:"total_files"`
	TotalHosts int            `json:"total_hosts"`
	ByStatus   map[string]int `json:"by_status"`
}
