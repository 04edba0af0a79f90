package analyzer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"relgraph/internal/batch"
	"relgraph/internal/logger"
	"relgraph/pkg/models"
)

const (
	// DefaultWindow is how far back AnalyzeLogs looks by default.
	DefaultWindow = 30 * 24 * time.Hour
	// DefaultLimit caps the rows pulled by AnalyzeLogs.
	DefaultLimit = 10000
)

// Analyzer is one analysis type run over a batch of logs. It reports whether
// it produced any output.
type Analyzer interface {
	Analyze(ctx context.Context, batch *Batch) (bool, error)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, batch *Batch) (bool, error)

// Analyze calls f.
func (f AnalyzerFunc) Analyze(ctx context.Context, batch *Batch) (bool, error) {
	return f(ctx, batch)
}

// Batch is the input shared by every analyzer of one pass.
type Batch struct {
	RunID string
	Logs  []models.LogRow
	Tags  models.LogTags
}

// LogStore reads logs and their operation tags.
type LogStore interface {
	Since(ctx context.Context, since time.Time, limit int) ([]models.LogRow, error)
	ByIDs(ctx context.Context, ids []int64) ([]models.LogRow, error)
	OperationTags(ctx context.Context, ids []int64) (models.LogTags, error)
}

// Options selects what a pass analyses.
type Options struct {
	// Types limits the pass to these analysis types; empty means all.
	Types  []string
	Window time.Duration
	Limit  int
}

// Outcome is the result of one analyzer in a pass.
type Outcome struct {
	Produced bool   `json:"produced"`
	Error    string `json:"error,omitempty"`
}

// Result summarises a pass.
type Result struct {
	RunID     string             `json:"run_id"`
	Logs      int                `json:"logs"`
	Analyzers map[string]Outcome `json:"analyzers"`
	Duration  time.Duration      `json:"duration"`
}

// Failed returns the names of analyzers that errored, sorted.
func (r Result) Failed() []string {
	out := make([]string, 0)
	for name, o := range r.Analyzers {
		if o.Error != "" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// RelationAnalyzer fans a log batch out to every registered analyzer and
// flushes the batch queues they fill.
type RelationAnalyzer struct {
	logs      LogStore
	batches   *batch.Service
	analyzers map[string]Analyzer
	metrics   *metrics
	now       func() time.Time
}

// NewRelationAnalyzer creates an orchestrator with no analyzers registered.
func NewRelationAnalyzer(logs LogStore, batches *batch.Service, reg prometheus.Registerer) *RelationAnalyzer {
	return &RelationAnalyzer{
		logs:      logs,
		batches:   batches,
		analyzers: make(map[string]Analyzer),
		metrics:   newMetrics(reg),
		now:       time.Now,
	}
}

// Register adds or replaces the analyzer for an analysis type.
func (a *RelationAnalyzer) Register(name string, an Analyzer) {
	a.analyzers[name] = an
}

// Types returns the registered analysis types, sorted.
func (a *RelationAnalyzer) Types() []string {
	out := make([]string, 0, len(a.analyzers))
	for name := range a.analyzers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// AnalyzeLogs analyses every log inside the window.
func (a *RelationAnalyzer) AnalyzeLogs(ctx context.Context, opts Options) (Result, error) {
	if a.logs == nil {
		return Result{}, fmt.Errorf("analyze logs: no log store configured")
	}
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	logs, err := a.logs.Since(ctx, a.now().Add(-window), limit)
	if err != nil {
		return Result{}, fmt.Errorf("analyze logs: %w", err)
	}
	return a.AnalyzeSpecificLogs(ctx, logs, opts)
}

// AnalyzeSpecificLogs analyses the given logs. Each analyzer runs
// concurrently and a failing analyzer does not stop the others.
func (a *RelationAnalyzer) AnalyzeSpecificLogs(ctx context.Context, logs []models.LogRow, opts Options) (Result, error) {
	selected, err := a.selectAnalyzers(opts.Types)
	if err != nil {
		return Result{}, err
	}

	start := a.now()
	res := Result{
		RunID:     uuid.NewString(),
		Logs:      len(logs),
		Analyzers: make(map[string]Outcome, len(selected)),
	}
	if len(logs) == 0 || len(selected) == 0 {
		return res, nil
	}

	tags, err := a.operationTags(ctx, logs)
	if err != nil {
		return res, fmt.Errorf("analyze: %w", err)
	}
	b := &Batch{RunID: res.RunID, Logs: logs, Tags: tags}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, name := range selected {
		an := a.analyzers[name]
		g.Go(func() error {
			started := time.Now()
			produced, err := runAnalyzer(ctx, an, b)
			a.metrics.observe(name, err, time.Since(started))

			outcome := Outcome{Produced: produced}
			if err != nil {
				outcome.Error = err.Error()
				logger.Errorf("Analyzer %s failed (run %s): %v", name, b.RunID, err)
			}
			mu.Lock()
			res.Analyzers[name] = outcome
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if a.batches != nil {
		if err := a.batches.FlushAll(ctx); err != nil {
			return res, fmt.Errorf("flush batches: %w", err)
		}
	}
	res.Duration = a.now().Sub(start)
	logger.Infof("Analysis %s: %d logs, %d analyzers, %d failed, %s",
		res.RunID, res.Logs, len(selected), len(res.Failed()), res.Duration)
	return res, nil
}

func runAnalyzer(ctx context.Context, an Analyzer, b *Batch) (produced bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return an.Analyze(ctx, b)
}

func (a *RelationAnalyzer) selectAnalyzers(types []string) ([]string, error) {
	if len(types) == 0 {
		return a.Types(), nil
	}
	seen := make(map[string]bool, len(types))
	out := make([]string, 0, len(types))
	for _, t := range types {
		if _, ok := a.analyzers[t]; !ok {
			return nil, fmt.Errorf("unknown analysis type %q", t)
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (a *RelationAnalyzer) operationTags(ctx context.Context, logs []models.LogRow) (models.LogTags, error) {
	if a.logs == nil {
		return models.LogTags{}, nil
	}
	ids := make([]int64, 0, len(logs))
	for _, l := range logs {
		if l.ID != 0 {
			ids = append(ids, l.ID)
		}
	}
	if len(ids) == 0 {
		return models.LogTags{}, nil
	}
	return a.logs.OperationTags(ctx, ids)
}
