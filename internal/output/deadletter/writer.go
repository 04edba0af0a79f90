package deadletter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"relgraph/internal/logger"
)

// Record is one failed batch.
type Record struct {
	ID       string        `json:"id"`
	Queue    string        `json:"queue"`
	FailedAt time.Time     `json:"failed_at"`
	Error    string        `json:"error"`
	Items    []interface{} `json:"items"`
}

// Writer appends failed batches to a JSON lines file.
type Writer struct {
	file    *os.File
	encoder *json.Encoder
	mu      sync.Mutex
	now     func() time.Time
}

// NewWriter creates a JSONL dead-letter writer.
func NewWriter(path string) (*Writer, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create dead letter directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead letter file: %w", err)
	}

	logger.Infof("Dead letter writer initialized: %s", path)
	return &Writer{
		file:    f,
		encoder: json.NewEncoder(f),
		now:     time.Now,
	}, nil
}

// WriteDeadLetter records the items of a failed batch.
func (w *Writer) WriteDeadLetter(queue string, items []interface{}, cause error) error {
	rec := Record{
		ID:       uuid.NewString(),
		Queue:    queue,
		FailedAt: w.now().UTC(),
		Items:    items,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return fmt.Errorf("dead letter writer closed")
	}
	if err := w.encoder.Encode(rec); err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}
	return nil
}

// Close closes the output file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}
