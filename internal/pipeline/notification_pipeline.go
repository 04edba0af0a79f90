package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"relgraph/internal/analyzer"
	"relgraph/internal/batch"
	"relgraph/internal/logger"
	"relgraph/internal/store"
	"relgraph/internal/transform/logrow"
	"relgraph/pkg/models"
)

// FieldUpdateQueue is the batch queue holding pending rename notifications.
const FieldUpdateQueue = "field_updates"

// Source yields raw notification payloads. Pop returns nil, nil when nothing
// arrived before its own timeout.
type Source interface {
	Pop(ctx context.Context) ([]byte, error)
	Close() error
}

// Runner runs analysis passes.
type Runner interface {
	AnalyzeLogs(ctx context.Context, opts analyzer.Options) (analyzer.Result, error)
	AnalyzeSpecificLogs(ctx context.Context, logs []models.LogRow, opts analyzer.Options) (analyzer.Result, error)
}

// Relations is the subset of the relations model the pipeline maintains.
type Relations interface {
	UpdateFieldValue(ctx context.Context, field, oldValue, newValue string) (store.RenameResult, error)
	DeleteOlderThan(ctx context.Context, days int) (int64, error)
}

// Logs reads collaborator log rows.
type Logs interface {
	ByIDs(ctx context.Context, ids []int64) ([]models.LogRow, error)
	ByFieldValue(ctx context.Context, field, value string, limit int) ([]models.LogRow, error)
}

// Config controls the pipeline schedules and rename batching.
type Config struct {
	Workers              int
	FieldUpdateDebounce  time.Duration
	FieldUpdateThreshold int
	IncrementalInterval  time.Duration
	IncrementalWindow    time.Duration
	TemplateWindow       time.Duration
	MaintenanceInterval  time.Duration
	CleanupInterval      time.Duration
	RetentionDays        int
	MaxLogs              int
}

// Pipeline consumes change notifications and keeps the relation graph up to
// date: renames are batched and applied, log notifications are analysed, and
// periodic passes run on tickers.
type Pipeline struct {
	cfg       Config
	source    Source
	runner    Runner
	relations Relations
	logs      Logs
	batches   *batch.Service

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pipeline. source may be nil when notifications only arrive
// through the HTTP API.
func New(cfg Config, source Source, runner Runner, relations Relations, logs Logs, batches *batch.Service) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.FieldUpdateDebounce <= 0 {
		cfg.FieldUpdateDebounce = 3 * time.Second
	}
	if cfg.FieldUpdateThreshold <= 0 {
		cfg.FieldUpdateThreshold = 20
	}
	if cfg.IncrementalWindow <= 0 {
		cfg.IncrementalWindow = cfg.IncrementalInterval
	}
	if cfg.TemplateWindow <= 0 {
		cfg.TemplateWindow = 48 * time.Hour
	}
	if cfg.MaxLogs <= 0 {
		cfg.MaxLogs = analyzer.DefaultLimit
	}
	batches.Configure(FieldUpdateQueue, batch.QueueOptions{
		MaxBatchSize: cfg.FieldUpdateThreshold,
		FlushDelay:   cfg.FieldUpdateDebounce,
	})
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:       cfg,
		source:    source,
		runner:    runner,
		relations: relations,
		logs:      logs,
		batches:   batches,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Run consumes notifications and drives the tickers until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	logger.Infof("Notification pipeline started")

	var wg sync.WaitGroup
	if p.source != nil {
		msgCh := make(chan []byte, p.cfg.Workers*4)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.readLoop(ctx, msgCh)
			close(msgCh)
		}()
		for i := 0; i < p.cfg.Workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.workerLoop(ctx, msgCh)
			}()
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.tickLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close stops background work and flushes what is still queued.
func (p *Pipeline) Close() error {
	p.cancel()
	p.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.batches.FlushAll(ctx); err != nil {
		logger.Errorf("Final batch flush failed: %v", err)
	}
	// A final rename flush may have queued one more re-analysis.
	p.wg.Wait()
	if p.source != nil {
		return p.source.Close()
	}
	return nil
}

func (p *Pipeline) readLoop(ctx context.Context, out chan<- []byte) {
	for {
		payload, err := p.source.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("Failed to pop notification: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if payload == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		select {
		case out <- payload:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) workerLoop(ctx context.Context, in <-chan []byte) {
	for payload := range in {
		if err := p.Handle(ctx, payload); err != nil {
			logger.Warnf("Notification dropped: %v", err)
		}
	}
}

// Handle decodes and dispatches one notification payload.
func (p *Pipeline) Handle(ctx context.Context, payload []byte) error {
	n, err := logrow.ParseNotification(payload)
	if err != nil {
		return err
	}
	switch n.Type {
	case models.NotifyFieldUpdate:
		return p.NotifyFieldUpdate(*n.FieldUpdate)
	case models.NotifyTemplateUpdate:
		_, err := p.TemplateUpdate(ctx)
		return err
	case models.NotifyLogs:
		_, err := p.AnalyzeNotified(ctx, n.Logs, n.LogIDs)
		return err
	}
	return fmt.Errorf("unhandled notification type %q", n.Type)
}

// NotifyFieldUpdate queues a rename. Renames are applied in batches after the
// debounce delay, or immediately once the threshold is reached.
func (p *Pipeline) NotifyFieldUpdate(fu models.FieldUpdate) error {
	fu.FieldType = strings.TrimSpace(fu.FieldType)
	if fu.FieldType == "" {
		return fmt.Errorf("field update: fieldType is required")
	}
	if strings.TrimSpace(fu.OldValue) == "" || strings.TrimSpace(fu.NewValue) == "" {
		return fmt.Errorf("field update: oldValue and newValue are required")
	}
	if _, ok := store.RelationTypeForField(fu.FieldType); !ok && fu.FieldType != models.FieldFilename {
		return fmt.Errorf("field update: field %q cannot be renamed", fu.FieldType)
	}
	return p.batches.Add(FieldUpdateQueue, p.processFieldUpdates, fu)
}

type renamedValue struct {
	field string
	value string
}

func (p *Pipeline) processFieldUpdates(ctx context.Context, items []interface{}) error {
	var (
		errs   []error
		failed []interface{}
	)
	seen := make(map[renamedValue]bool)
	renamed := make([]renamedValue, 0, len(items))
	for _, it := range items {
		fu, ok := it.(models.FieldUpdate)
		if !ok {
			logger.Warnf("Unexpected field update item %T", it)
			continue
		}
		res, err := p.relations.UpdateFieldValue(ctx, fu.FieldType, fu.OldValue, fu.NewValue)
		if err != nil {
			errs = append(errs, err)
			failed = append(failed, fu)
			continue
		}
		if fu.Username != "" {
			logger.Infof("Field update by %s applied: %+v", fu.Username, res)
		}
		key := renamedValue{field: fu.FieldType, value: strings.TrimSpace(fu.NewValue)}
		if !seen[key] {
			seen[key] = true
			renamed = append(renamed, key)
		}
	}

	if len(renamed) > 0 {
		// The re-analysis flushes every batch queue, including this one, so
		// it cannot run inside this processor.
		p.spawn(func(ctx context.Context) {
			p.reanalyze(ctx, renamed)
		})
	}
	if len(errs) == 0 {
		return nil
	}
	return &batch.ItemsError{Items: failed, Err: errors.Join(errs...)}
}

func (p *Pipeline) reanalyze(ctx context.Context, renamed []renamedValue) {
	seen := make(map[int64]bool)
	var logs []models.LogRow
	for _, r := range renamed {
		rows, err := p.logs.ByFieldValue(ctx, r.field, r.value, p.cfg.MaxLogs)
		if err != nil {
			logger.Errorf("Re-analysis lookup for %s=%q failed: %v", r.field, r.value, err)
			continue
		}
		for _, row := range rows {
			if !seen[row.ID] {
				seen[row.ID] = true
				logs = append(logs, row)
			}
		}
	}
	if len(logs) == 0 {
		return
	}
	if _, err := p.runner.AnalyzeSpecificLogs(ctx, logs, analyzer.Options{}); err != nil {
		logger.Errorf("Re-analysis after rename failed: %v", err)
	}
}

// TemplateUpdate re-analyses the recent template window.
func (p *Pipeline) TemplateUpdate(ctx context.Context) (analyzer.Result, error) {
	return p.runner.AnalyzeLogs(ctx, analyzer.Options{Window: p.cfg.TemplateWindow, Limit: p.cfg.MaxLogs})
}

// AnalyzeNotified analyses logs delivered in a notification, fetching any
// that were referenced only by id.
func (p *Pipeline) AnalyzeNotified(ctx context.Context, logs []models.LogRow, ids []int64) (analyzer.Result, error) {
	if len(ids) > 0 {
		have := make(map[int64]bool, len(logs))
		for _, l := range logs {
			have[l.ID] = true
		}
		missing := make([]int64, 0, len(ids))
		for _, id := range ids {
			if !have[id] {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			fetched, err := p.logs.ByIDs(ctx, missing)
			if err != nil {
				return analyzer.Result{}, fmt.Errorf("fetch notified logs: %w", err)
			}
			logs = append(logs, fetched...)
		}
	}
	return p.runner.AnalyzeSpecificLogs(ctx, logs, analyzer.Options{})
}

// Cleanup deletes relations older than the retention period.
func (p *Pipeline) Cleanup(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = p.cfg.RetentionDays
	}
	return p.relations.DeleteOlderThan(ctx, days)
}

// Spawn runs fn in the background on the pipeline's own context. Close waits
// for it.
func (p *Pipeline) Spawn(fn func(ctx context.Context)) {
	p.spawn(fn)
}

func (p *Pipeline) spawn(fn func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("Background task panicked: %v", r)
			}
		}()
		fn(p.ctx)
	}()
}

func (p *Pipeline) tickLoop(ctx context.Context) {
	incremental := newTicker(p.cfg.IncrementalInterval)
	maintenance := newTicker(p.cfg.MaintenanceInterval)
	cleanup := newTicker(p.cfg.CleanupInterval)
	defer incremental.stop()
	defer maintenance.stop()
	defer cleanup.stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-incremental.c:
			// Runs may overlap with a slow previous pass.
			p.spawn(func(ctx context.Context) {
				res, err := p.runner.AnalyzeLogs(ctx, analyzer.Options{Window: p.cfg.IncrementalWindow, Limit: p.cfg.MaxLogs})
				if err != nil {
					logger.Errorf("Incremental analysis failed: %v", err)
					return
				}
				logger.Debugf("Incremental analysis %s covered %d logs", res.RunID, res.Logs)
			})
		case <-maintenance.c:
			if err := p.batches.FlushAll(ctx); err != nil && ctx.Err() == nil {
				logger.Errorf("Maintenance flush failed: %v", err)
			}
		case <-cleanup.c:
			if p.cfg.RetentionDays <= 0 {
				continue
			}
			n, err := p.Cleanup(ctx, p.cfg.RetentionDays)
			if err != nil {
				logger.Errorf("Relation cleanup failed: %v", err)
				continue
			}
			logger.Infof("Relation cleanup removed %d rows older than %d days", n, p.cfg.RetentionDays)
		}
	}
}

// ticker is a time.Ticker that never fires when its interval is unset.
type ticker struct {
	t *time.Ticker
	c <-chan time.Time
}

func newTicker(d time.Duration) ticker {
	if d <= 0 {
		return ticker{}
	}
	t := time.NewTicker(d)
	return ticker{t: t, c: t.C}
}

func (t ticker) stop() {
	if t.t != nil {
		t.t.Stop()
	}
}
