package analyzer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"relgraph/internal/batch"
	"relgraph/internal/extract"
	"relgraph/internal/filestatus"
	"relgraph/internal/logger"
	"relgraph/internal/rules"
	"relgraph/internal/sequence"
	"relgraph/pkg/models"
)

// Analysis types.
const (
	TypeIPRelations     = "ip_relations"
	TypeHostnameDomain  = extract.KindHostnameDomain
	TypeHostnameCommand = extract.KindHostnameCommand
	TypeIPCommand       = extract.KindIPCommand
	TypeUserCommand     = extract.KindUserCommand
	TypeUserHostname    = extract.KindUserHostname
	TypeUserIP          = extract.KindUserIP
	TypeMacIP           = extract.KindMacIP
	TypeMacHostname     = extract.KindMacHostname
	TypeCommandSequence = "command_sequence"
	TypeFileStatus      = "file_status"
	TypeDetection       = "detection"
)

// RelationWriter applies relation upserts in bulk.
type RelationWriter interface {
	BatchUpsert(ctx context.Context, inputs []models.RelationInput) (int, error)
}

// QueueName returns the batch queue used for an analysis type.
func QueueName(analysis string) string {
	return "relations:" + analysis
}

// relationProcessor turns a queue of RelationInput items into one BatchUpsert.
func relationProcessor(w RelationWriter) batch.Processor {
	return func(ctx context.Context, items []interface{}) error {
		inputs := make([]models.RelationInput, 0, len(items))
		for _, it := range items {
			in, ok := it.(models.RelationInput)
			if !ok {
				logger.Warnf("Unexpected relation queue item %T", it)
				continue
			}
			inputs = append(inputs, in)
		}
		n, err := w.BatchUpsert(ctx, inputs)
		if err != nil {
			return err
		}
		logger.Debugf("Upserted %d of %d relations", n, len(inputs))
		return nil
	}
}

func enqueue(batches *batch.Service, w RelationWriter, analysis string, inputs []models.RelationInput) error {
	if len(inputs) == 0 {
		return nil
	}
	items := make([]interface{}, len(inputs))
	for i, in := range inputs {
		items[i] = in
	}
	if err := batches.Add(QueueName(analysis), relationProcessor(w), items...); err != nil {
		return fmt.Errorf("enqueue %s: %w", analysis, err)
	}
	return nil
}

// ExtractorAnalyzer runs one extractor and queues its candidates.
func ExtractorAnalyzer(name string, ex extract.Extractor, batches *batch.Service, w RelationWriter) Analyzer {
	return AnalyzerFunc(func(ctx context.Context, b *Batch) (bool, error) {
		candidates := ex.Extract(b.Logs)
		inputs := make([]models.RelationInput, 0, len(candidates))
		for _, c := range candidates {
			inputs = append(inputs, c.Input(b.Tags))
		}
		if err := enqueue(batches, w, name, inputs); err != nil {
			return false, err
		}
		return len(inputs) > 0, nil
	})
}

// SequenceAnalyzer mines recurring command chains.
func SequenceAnalyzer(window time.Duration, batches *batch.Service, w RelationWriter) Analyzer {
	miner := sequence.New(window)
	return AnalyzerFunc(func(ctx context.Context, b *Batch) (bool, error) {
		inputs := sequence.Inputs(miner.Detect(b.Logs), b.Tags)
		if err := enqueue(batches, w, TypeCommandSequence, inputs); err != nil {
			return false, err
		}
		return len(inputs) > 0, nil
	})
}

// FileStatusAnalyzer queues file status updates for logs with a filename.
func FileStatusAnalyzer(svc *filestatus.Service) Analyzer {
	return AnalyzerFunc(func(ctx context.Context, b *Batch) (bool, error) {
		n, err := svc.Enqueue(ctx, b.Logs, b.Tags)
		if err != nil {
			return false, err
		}
		return n > 0, nil
	})
}

type detectionKey struct {
	command string
	rule    string
}

// DetectionAnalyzer links commands to the detection rules they would trip.
func DetectionAnalyzer(engine rules.Engine, batches *batch.Service, w RelationWriter) Analyzer {
	return AnalyzerFunc(func(ctx context.Context, b *Batch) (bool, error) {
		type hit struct {
			tag    models.DetectionTag
			input  models.RelationInput
			latest time.Time
		}
		hits := make(map[detectionKey]*hit)
		order := make([]detectionKey, 0)

		for i := range b.Logs {
			row := &b.Logs[i]
			cmd := strings.TrimSpace(row.Command)
			if cmd == "" || row.Timestamp.IsZero() {
				continue
			}
			for _, tag := range engine.Apply(row) {
				key := detectionKey{command: cmd, rule: tag.ID}
				h, ok := hits[key]
				if !ok {
					h = &hit{tag: tag, input: models.RelationInput{
						SourceType:  models.TypeCommand,
						SourceValue: cmd,
						TargetType:  models.TypeDetection,
						TargetValue: tag.ID,
						FirstSeen:   row.Timestamp,
					}}
					hits[key] = h
					order = append(order, key)
				}
				h.input.Occurrences++
				if row.Timestamp.Before(h.input.FirstSeen) {
					h.input.FirstSeen = row.Timestamp
				}
				if !row.Timestamp.Before(h.latest) {
					h.latest = row.Timestamp
					h.input.LastSeen = row.Timestamp
					h.input.LogID = row.ID
				}
			}
		}

		inputs := make([]models.RelationInput, 0, len(order))
		for _, key := range order {
			h := hits[key]
			h.input.OperationTags = b.Tags[h.input.LogID]
			h.input.Metadata = map[string]interface{}{
				"type":      TypeDetection,
				"rule_name": h.tag.Name,
				"level":     h.tag.Level,
				"tactic":    h.tag.Tactic,
				"technique": h.tag.Technique,
			}
			inputs = append(inputs, h.input)
		}
		if err := enqueue(batches, w, TypeDetection, inputs); err != nil {
			return false, err
		}
		return len(inputs) > 0, nil
	})
}

// Deps are the collaborators needed to register the standard analyzers.
type Deps struct {
	Batches        *batch.Service
	Relations      RelationWriter
	FileStatus     *filestatus.Service
	Rules          rules.Engine
	SequenceWindow time.Duration
}

// RegisterDefaults registers the nine extractors, command sequences, file
// status and, when a rule engine is given, detection exposure.
func (a *RelationAnalyzer) RegisterDefaults(d Deps) {
	extractors := extract.All()
	names := map[string]string{
		TypeIPRelations:     extract.KindIPIP,
		TypeHostnameDomain:  extract.KindHostnameDomain,
		TypeHostnameCommand: extract.KindHostnameCommand,
		TypeIPCommand:       extract.KindIPCommand,
		TypeUserCommand:     extract.KindUserCommand,
		TypeUserHostname:    extract.KindUserHostname,
		TypeUserIP:          extract.KindUserIP,
		TypeMacIP:           extract.KindMacIP,
		TypeMacHostname:     extract.KindMacHostname,
	}
	for name, kind := range names {
		a.Register(name, ExtractorAnalyzer(name, extractors[kind], d.Batches, d.Relations))
	}
	a.Register(TypeCommandSequence, SequenceAnalyzer(d.SequenceWindow, d.Batches, d.Relations))
	if d.FileStatus != nil {
		a.Register(TypeFileStatus, FileStatusAnalyzer(d.FileStatus))
	}
	if d.Rules != nil {
		if _, noop := d.Rules.(*rules.NoopEngine); !noop {
			a.Register(TypeDetection, DetectionAnalyzer(d.Rules, d.Batches, d.Relations))
		}
	}
}
