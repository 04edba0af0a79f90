package models

// Notification types published by the main application.
const (
	NotifyFieldUpdate    = "field_update"
	NotifyTemplateUpdate = "template_update"
	NotifyLogs           = "logs"
)

// Notification is a change event published by the main application.
type Notification struct {
	Type        string       `json:"type"`
	FieldUpdate *FieldUpdate `json:"field_update,omitempty"`
	Logs        []LogRow     `json:"logs,omitempty"`
	LogIDs      []int64      `json:"log_ids,omitempty"`
}

// FieldUpdate reports that a logged value was edited after the fact.
type FieldUpdate struct {
	FieldType string `json:"fieldType"`
	OldValue  string `json:"oldValue"`
	NewValue  string `json:"newValue"`
	Username  string `json:"username,omitempty"`
}
