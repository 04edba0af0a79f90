package models

import "time"

// LogRow is one analyst-entered row of the logs table.
type LogRow struct {
	ID            int64     `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Username      string    `json:"username,omitempty"`
	Hostname      string    `json:"hostname,omitempty"`
	Domain        string    `json:"domain,omitempty"`
	InternalIP    string    `json:"internal_ip,omitempty"`
	ExternalIP    string    `json:"external_ip,omitempty"`
	MacAddress    string    `json:"mac_address,omitempty"`
	Command       string    `json:"command,omitempty"`
	Filename      string    `json:"filename,omitempty"`
	Status        string    `json:"status,omitempty"`
	Secrets       string    `json:"secrets,omitempty"`
	Analyst       string    `json:"analyst,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	HashAlgorithm string    `json:"hash_algorithm,omitempty"`
	HashValue     string    `json:"hash_value,omitempty"`
}

// Field returns the value of a logs-table column by name.
func (l *LogRow) Field(name string) string {
	if l == nil {
		return ""
	}
	switch name {
	case FieldUsername:
		return l.Username
	case FieldHostname:
		return l.Hostname
	case FieldDomain:
		return l.Domain
	case FieldInternalIP:
		return l.InternalIP
	case FieldExternalIP:
		return l.ExternalIP
	case FieldMacAddress:
		return l.MacAddress
	case FieldCommand:
		return l.Command
	case FieldFilename:
		return l.Filename
	case FieldStatus:
		return l.Status
	case FieldAnalyst:
		return l.Analyst
	default:
		return ""
	}
}

// Logs-table column names that can be renamed after the fact.
const (
	FieldUsername   = "username"
	FieldHostname   = "hostname"
	FieldDomain     = "domain"
	FieldInternalIP = "internal_ip"
	FieldExternalIP = "external_ip"
	FieldMacAddress = "mac_address"
	FieldCommand    = "command"
	FieldFilename   = "filename"
	FieldStatus     = "status"
	FieldAnalyst    = "analyst"
)

// LogTags maps a log id to the operation tag ids attached to it.
type LogTags map[int64][]int64
