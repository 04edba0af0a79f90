package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"relgraph/internal/logger"
)

// ErrClosed is returned by Add after Close.
var ErrClosed = errors.New("batch service closed")

const sampleWindow = 100

// Processor handles one flushed batch of items.
type Processor func(ctx context.Context, items []interface{}) error

// ItemsError is returned by a processor when only some items of a batch
// failed. Only Items are dead-lettered.
type ItemsError struct {
	Items []interface{}
	Err   error
}

func (e *ItemsError) Error() string {
	return fmt.Sprintf("%d items failed: %v", len(e.Items), e.Err)
}

func (e *ItemsError) Unwrap() error {
	return e.Err
}

// DeadLetterWriter records the items of a batch whose processor failed.
type DeadLetterWriter interface {
	WriteDeadLetter(queue string, items []interface{}, cause error) error
}

// Config controls batching behavior.
type Config struct {
	MaxBatchSize  int
	FlushDelay    time.Duration
	MaxConcurrent int
	Registerer    prometheus.Registerer
	DeadLetter    DeadLetterWriter
}

// QueueOptions overrides the service defaults for one queue.
type QueueOptions struct {
	MaxBatchSize int
	FlushDelay   time.Duration
}

// Stats is a snapshot of batch throughput.
type Stats struct {
	TotalItemsProcessed   int64         `json:"total_items_processed"`
	TotalBatchesProcessed int64         `json:"total_batches_processed"`
	FailedBatches         int64         `json:"failed_batches"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	ActiveFlushes         int           `json:"active_flushes"`
	PendingFlushes        int           `json:"pending_flushes"`
	QueuedItems           int           `json:"queued_items"`
}

// Service groups items into named queues and hands them to processors in bulk.
// A queue is flushed when it reaches its size threshold or when its debounce
// timer fires; at most MaxConcurrent queues are processed at once. A batch
// whose processor fails is logged, counted and dead-lettered, never retried.
type Service struct {
	cfg     Config
	sem     *semaphore.Weighted
	metrics *metrics

	ctx    context.Context
	cancel context.CancelFunc
	async  sync.WaitGroup

	mu       sync.Mutex
	queues   map[string]*queue
	closed   bool
	active   int
	pending  int
	items    int64
	batches  int64
	failed   int64
	samples  []time.Duration
	sampleAt int
}

type queue struct {
	items     []interface{}
	processor Processor
	opts      QueueOptions
	timer     *time.Timer
	flight    *flight
}

type flight struct {
	done chan struct{}
}

// NewService creates a batch service.
func NewService(cfg Config) *Service {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = 2 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		metrics: newMetrics(cfg.Registerer),
		ctx:     ctx,
		cancel:  cancel,
		queues:  make(map[string]*queue),
		samples: make([]time.Duration, 0, sampleWindow),
	}
}

// Configure sets per-queue thresholds. It may be called before or after the
// queue receives items.
func (s *Service) Configure(name string, opts QueueOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueLocked(name).opts = opts
}

// Add appends items to the named queue, registering processor if the queue
// has none yet. The queue's debounce timer is restarted; reaching the size
// threshold starts a flush immediately without waiting for it.
func (s *Service) Add(name string, processor Processor, items ...interface{}) error {
	if len(items) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	q := s.queueLocked(name)
	if q.processor == nil {
		q.processor = processor
	}
	if q.processor == nil {
		s.mu.Unlock()
		return fmt.Errorf("batch queue %s has no processor", name)
	}
	q.items = append(q.items, items...)
	size := len(q.items)
	threshold := s.thresholdLocked(q)

	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(s.delayLocked(q), func() {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.flushAsync(name)
		}
	})
	s.mu.Unlock()

	if size >= threshold {
		s.flushAsync(name)
	}
	return nil
}

// Flush processes everything queued under name. Concurrent callers share a
// single in-flight flush; a caller that joined one also drains whatever was
// queued behind it. It returns an error only when ctx ends first; processor
// failures are absorbed.
func (s *Service) Flush(ctx context.Context, name string) error {
	for {
		s.mu.Lock()
		q, ok := s.queues[name]
		if !ok {
			s.mu.Unlock()
			return nil
		}
		if f := q.flight; f != nil {
			s.mu.Unlock()
			select {
			case <-f.done:
			case <-ctx.Done():
				return ctx.Err()
			}
			s.mu.Lock()
			empty := len(q.items) == 0
			s.mu.Unlock()
			if empty {
				return nil
			}
			continue
		}
		f := &flight{done: make(chan struct{})}
		q.flight = f
		s.pending++
		s.metrics.pending.Set(float64(s.pending))
		s.mu.Unlock()

		return s.process(ctx, name, q, f)
	}
}

func (s *Service) process(ctx context.Context, name string, q *queue, f *flight) error {
	defer s.finishFlight(name, q, f)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.mu.Lock()
		s.pending--
		s.metrics.pending.Set(float64(s.pending))
		s.mu.Unlock()
		return err
	}
	defer s.sem.Release(1)

	s.mu.Lock()
	s.pending--
	s.active++
	s.metrics.pending.Set(float64(s.pending))
	s.metrics.active.Set(float64(s.active))
	items := q.items
	q.items = nil
	processor := q.processor
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active--
		s.metrics.active.Set(float64(s.active))
		s.mu.Unlock()
	}()

	if len(items) == 0 || processor == nil {
		return nil
	}

	start := time.Now()
	err := invoke(ctx, processor, items)
	elapsed := time.Since(start)
	s.record(name, len(items), elapsed, err)

	if err != nil {
		failed := items
		var partial *ItemsError
		if errors.As(err, &partial) {
			failed = partial.Items
		}
		logger.Errorf("Batch %s failed (%d of %d items dropped): %v", name, len(failed), len(items), err)
		if s.cfg.DeadLetter != nil && len(failed) > 0 {
			if dlErr := s.cfg.DeadLetter.WriteDeadLetter(name, failed, err); dlErr != nil {
				logger.Errorf("Failed to dead-letter batch %s: %v", name, dlErr)
			}
		}
		return nil
	}
	logger.Debugf("Batch %s processed %d items in %s", name, len(items), elapsed)
	return nil
}

// FlushAll flushes every known queue in parallel and waits for completion.
func (s *Service) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			return s.Flush(gctx, name)
		})
	}
	return g.Wait()
}

// Stats returns current counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total time.Duration
	for _, d := range s.samples {
		total += d
	}
	var avg time.Duration
	if len(s.samples) > 0 {
		avg = total / time.Duration(len(s.samples))
	}
	queued := 0
	for _, q := range s.queues {
		queued += len(q.items)
	}
	return Stats{
		TotalItemsProcessed:   s.items,
		TotalBatchesProcessed: s.batches,
		FailedBatches:         s.failed,
		AverageProcessingTime: avg,
		ActiveFlushes:         s.active,
		PendingFlushes:        s.pending,
		QueuedItems:           queued,
	}
}

// Close stops accepting items, flushes what is queued and waits for
// outstanding flushes.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, q := range s.queues {
		if q.timer != nil {
			q.timer.Stop()
		}
	}
	s.mu.Unlock()

	err := s.FlushAll(ctx)
	s.async.Wait()
	s.cancel()
	return err
}

func (s *Service) flushAsync(name string) {
	s.async.Add(1)
	go func() {
		defer s.async.Done()
		if err := s.Flush(s.ctx, name); err != nil && s.ctx.Err() == nil {
			logger.Warnf("Batch %s flush aborted: %v", name, err)
		}
	}()
}

// finishFlight releases waiters and re-triggers a flush if the queue refilled
// past its threshold while the processor was running.
func (s *Service) finishFlight(name string, q *queue, f *flight) {
	s.mu.Lock()
	q.flight = nil
	refill := !s.closed && len(q.items) >= s.thresholdLocked(q)
	s.mu.Unlock()
	close(f.done)

	if refill {
		s.flushAsync(name)
	}
}

func (s *Service) record(name string, n int, elapsed time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.samples) < sampleWindow {
		s.samples = append(s.samples, elapsed)
	} else {
		s.samples[s.sampleAt] = elapsed
		s.sampleAt = (s.sampleAt + 1) % sampleWindow
	}
	s.metrics.duration.WithLabelValues(name).Observe(elapsed.Seconds())

	if err != nil {
		s.failed++
		s.metrics.failures.WithLabelValues(name).Inc()
		return
	}
	s.items += int64(n)
	s.batches++
	s.metrics.items.WithLabelValues(name).Add(float64(n))
	s.metrics.batches.WithLabelValues(name).Inc()
}

func (s *Service) queueLocked(name string) *queue {
	q, ok := s.queues[name]
	if !ok {
		q = &queue{}
		s.queues[name] = q
	}
	return q
}

func (s *Service) thresholdLocked(q *queue) int {
	if q.opts.MaxBatchSize > 0 {
		return q.opts.MaxBatchSize
	}
	return s.cfg.MaxBatchSize
}

func (s *Service) delayLocked(q *queue) time.Duration {
	if q.opts.FlushDelay > 0 {
		return q.opts.FlushDelay
	}
	return s.cfg.FlushDelay
}

func invoke(ctx context.Context, processor Processor, items []interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return processor(ctx, items)
}
