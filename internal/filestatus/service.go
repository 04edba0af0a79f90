package filestatus

import (
	"context"
	"fmt"
	"strings"

	"relgraph/internal/batch"
	"relgraph/internal/logger"
	"relgraph/internal/store"
	"relgraph/pkg/models"
)

// QueueName is the batch queue carrying file observations.
const QueueName = "file_status"

// Service turns logs with a filename into file status updates.
type Service struct {
	model   *store.FileStatusModel
	batches *batch.Service
}

// NewService creates a service. batches may be nil, in which case Enqueue
// records synchronously.
func NewService(model *store.FileStatusModel, batches *batch.Service) *Service {
	return &Service{model: model, batches: batches}
}

// Observations builds the file status input for every log bearing a filename.
// Secrets are redacted here as well as in the store.
func Observations(logs []models.LogRow, tags models.LogTags) []store.FileObservation {
	out := make([]store.FileObservation, 0)
	for _, row := range logs {
		if strings.TrimSpace(row.Filename) == "" {
			continue
		}
		row.Secrets = store.RedactSecrets(row.Secrets)
		meta := map[string]interface{}{
			"command_category": ClassifyCommand(row.Command),
		}
		if row.Secrets != "" {
			meta["has_secrets"] = true
		}
		if row.HashValue != "" {
			meta["hash"] = strings.ToLower(row.HashAlgorithm) + ":" + row.HashValue
		}
		var opTags []int64
		if tags != nil {
			opTags = tags[row.ID]
		}
		out = append(out, store.FileObservation{Log: row, OperationTags: opTags, Metadata: meta})
	}
	return out
}

// Process records the logs directly and returns how many were applied.
func (s *Service) Process(ctx context.Context, logs []models.LogRow, tags models.LogTags) (int, error) {
	n, err := s.model.Record(ctx, Observations(logs, tags))
	if err != nil {
		return 0, fmt.Errorf("process file status: %w", err)
	}
	return n, nil
}

// Enqueue adds the logs to the file status batch queue.
func (s *Service) Enqueue(ctx context.Context, logs []models.LogRow, tags models.LogTags) (int, error) {
	obs := Observations(logs, tags)
	if len(obs) == 0 {
		return 0, nil
	}
	if s.batches == nil {
		return s.model.Record(ctx, obs)
	}
	items := make([]interface{}, len(obs))
	for i, o := range obs {
		items[i] = o
	}
	if err := s.batches.Add(QueueName, s.processBatch, items...); err != nil {
		return 0, fmt.Errorf("enqueue file status: %w", err)
	}
	return len(obs), nil
}

func (s *Service) processBatch(ctx context.Context, items []interface{}) error {
	obs := make([]store.FileObservation, 0, len(items))
	for _, it := range items {
		o, ok := it.(store.FileObservation)
		if !ok {
			logger.Warnf("Unexpected item %T on %s queue", it, QueueName)
			continue
		}
		obs = append(obs, o)
	}
	n, err := s.model.Record(ctx, obs)
	if err != nil {
		return err
	}
	logger.Debugf("Recorded %d file status observations", n)
	return nil
}

// List returns every file status record.
func (s *Service) List(ctx context.Context, operation int64) ([]models.FileStatusRecord, error) {
	return s.model.List(ctx, operation)
}

// Get returns the records for one filename with history.
func (s *Service) Get(ctx context.Context, filename string, operation int64) ([]models.FileStatusRecord, error) {
	return s.model.Get(ctx, filename, operation)
}

// Stats returns status counts.
func (s *Service) Stats(ctx context.Context) (models.FileStatusStats, error) {
	return s.model.Stats(ctx)
}
