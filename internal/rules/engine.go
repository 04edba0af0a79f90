package rules

import "relgraph/pkg/models"

// Engine tags logged commands with detection rule matches.
type Engine interface {
	Apply(row *models.LogRow) []models.DetectionTag
}

// NoopEngine returns no tags.
type NoopEngine struct{}

// Apply returns an empty tag list.
func (n *NoopEngine) Apply(row *models.LogRow) []models.DetectionTag {
	return nil
}
