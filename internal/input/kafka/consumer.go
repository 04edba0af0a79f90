package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"relgraph/internal/logger"
)

// Config configures the Kafka consumer.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consumer reads notification payloads from a Kafka topic. Offsets are
// committed by the reader's group on an interval.
type Consumer struct {
	reader *kafka.Reader
}

// NewConsumer creates a group consumer for the notification topic.
func NewConsumer(cfg Config) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "relgraph"
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
		MaxWait:        5 * time.Second,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
	})

	logger.Infof("Kafka consumer initialized: brokers=%v topic=%s group=%s", cfg.Brokers, cfg.Topic, cfg.GroupID)
	return &Consumer{reader: reader}, nil
}

// Pop blocks until the next message arrives or ctx is done.
func (c *Consumer) Pop(ctx context.Context) ([]byte, error) {
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("read kafka message: %w", err)
	}
	logger.Debugf("Consumed kafka message topic=%s partition=%d offset=%d size=%d",
		msg.Topic, msg.Partition, msg.Offset, len(msg.Value))
	return msg.Value, nil
}

// Close closes the reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
