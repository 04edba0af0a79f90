package models

// DetectionTag is a Sigma rule match on a logged command.
type DetectionTag struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Level     string `json:"level,omitempty"`
	Tactic    string `json:"tactic,omitempty"`
	Technique string `json:"technique,omitempty"`
}
