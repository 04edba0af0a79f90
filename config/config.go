package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned by Validate for unusable settings.
var ErrInvalid = errors.New("invalid config")

// Config is the root configuration.
type Config struct {
	RelGraph RelGraphConfig `yaml:"relgraph"`
}

// RelGraphConfig is the project configuration.
type RelGraphConfig struct {
	Database     DatabaseConfig     `yaml:"database"`
	Input        InputConfig        `yaml:"input"`
	Batch        BatchConfig        `yaml:"batch"`
	Analysis     AnalysisConfig     `yaml:"analysis"`
	FieldUpdates FieldUpdatesConfig `yaml:"field_updates"`
	Cache        CacheConfig        `yaml:"cache"`
	Retention    RetentionConfig    `yaml:"retention"`
	Rules        RulesConfig        `yaml:"rules"`
	DeadLetter   DeadLetterConfig   `yaml:"dead_letter"`
	HTTP         HTTPConfig         `yaml:"http"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// DatabaseConfig selects the SQL backend.
type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // sqlite|postgres
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// InputConfig controls where change notifications are read from.
type InputConfig struct {
	Mode  string      `yaml:"mode"` // none|redis|kafka
	Redis RedisConfig `yaml:"redis"`
	Kafka KafkaConfig `yaml:"kafka"`
}

// RedisConfig controls the Redis notification list.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Key          string        `yaml:"key"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// KafkaConfig controls the Kafka notification topic.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// BatchConfig controls the batch service.
type BatchConfig struct {
	MaxBatchSize  int           `yaml:"max_batch_size"`
	FlushDelay    time.Duration `yaml:"flush_delay"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

// AnalysisConfig controls analysis windows and schedules.
type AnalysisConfig struct {
	Window              time.Duration `yaml:"window"`
	MaxLogs             int           `yaml:"max_logs"`
	IncrementalInterval time.Duration `yaml:"incremental_interval"`
	IncrementalWindow   time.Duration `yaml:"incremental_window"`
	TemplateWindow      time.Duration `yaml:"template_window"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// FieldUpdatesConfig controls batching of rename notifications.
type FieldUpdatesConfig struct {
	Debounce  time.Duration `yaml:"debounce"`
	Threshold int           `yaml:"threshold"`
}

// CacheConfig controls read cache lifetimes.
type CacheConfig struct {
	RelationsTTL  time.Duration `yaml:"relations_ttl"`
	FileStatusTTL time.Duration `yaml:"file_status_ttl"`
	MaxEntries    int           `yaml:"max_entries"`
}

// RetentionConfig controls age-based relation cleanup.
type RetentionConfig struct {
	Days            int           `yaml:"days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// RulesConfig controls Sigma detection tagging.
type RulesConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DeadLetterConfig controls where failed batch items are recorded.
type DeadLetterConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
	Format  string `yaml:"format"`
}

// LoadConfig reads and parses a YAML config file, then applies .env and
// environment overrides. A missing file yields an all-defaults config.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	// The main application writes a generated .env next to the service.
	_ = godotenv.Load()
	ApplyEnv(&cfg)
	return &cfg, nil
}

// ApplyEnv overrides selected settings from environment variables.
func ApplyEnv(cfg *Config) {
	rg := &cfg.RelGraph
	if v := os.Getenv("RELGRAPH_DB_DRIVER"); v != "" {
		rg.Database.Driver = v
	}
	if v := os.Getenv("RELGRAPH_DB_DSN"); v != "" {
		rg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		rg.Input.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		rg.Input.Redis.Password = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		rg.Input.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("RELGRAPH_HTTP_ADDR"); v != "" {
		rg.HTTP.Addr = v
	}
}

// ApplyDefaults fills unset values.
func ApplyDefaults(cfg *Config) {
	rg := &cfg.RelGraph

	if rg.Database.Driver == "" {
		rg.Database.Driver = "sqlite"
	}
	if rg.Database.DSN == "" && rg.Database.Driver == "sqlite" {
		rg.Database.DSN = "data/relgraph.db"
	}

	if rg.Input.Mode == "" {
		rg.Input.Mode = "none"
	}
	if rg.Input.Redis.Addr == "" {
		rg.Input.Redis.Addr = "127.0.0.1:6379"
	}
	if rg.Input.Redis.Key == "" {
		rg.Input.Redis.Key = "relgraph:notifications"
	}
	if rg.Input.Redis.BlockTimeout <= 0 {
		rg.Input.Redis.BlockTimeout = 5 * time.Second
	}
	if rg.Input.Kafka.Topic == "" {
		rg.Input.Kafka.Topic = "relgraph-notifications"
	}
	if rg.Input.Kafka.GroupID == "" {
		rg.Input.Kafka.GroupID = "relgraph"
	}

	if rg.Batch.MaxBatchSize <= 0 {
		rg.Batch.MaxBatchSize = 100
	}
	if rg.Batch.FlushDelay <= 0 {
		rg.Batch.FlushDelay = 2 * time.Second
	}
	if rg.Batch.MaxConcurrent <= 0 {
		rg.Batch.MaxConcurrent = 4
	}

	if rg.Analysis.Window <= 0 {
		rg.Analysis.Window = 30 * 24 * time.Hour
	}
	if rg.Analysis.MaxLogs <= 0 {
		rg.Analysis.MaxLogs = 10000
	}
	if rg.Analysis.IncrementalInterval <= 0 {
		rg.Analysis.IncrementalInterval = 5 * time.Minute
	}
	// Passes that overlap would count the same co-occurrence twice.
	if rg.Analysis.IncrementalWindow <= 0 {
		rg.Analysis.IncrementalWindow = rg.Analysis.IncrementalInterval
	}
	if rg.Analysis.TemplateWindow <= 0 {
		rg.Analysis.TemplateWindow = 48 * time.Hour
	}
	if rg.Analysis.MaintenanceInterval <= 0 {
		rg.Analysis.MaintenanceInterval = time.Minute
	}

	if rg.FieldUpdates.Debounce <= 0 {
		rg.FieldUpdates.Debounce = 3 * time.Second
	}
	if rg.FieldUpdates.Threshold <= 0 {
		rg.FieldUpdates.Threshold = 20
	}

	if rg.Cache.RelationsTTL <= 0 {
		rg.Cache.RelationsTTL = 30 * time.Second
	}
	if rg.Cache.FileStatusTTL <= 0 {
		rg.Cache.FileStatusTTL = 10 * time.Second
	}
	if rg.Cache.MaxEntries <= 0 {
		rg.Cache.MaxEntries = 1000
	}

	if rg.Retention.Days <= 0 {
		rg.Retention.Days = 90
	}
	if rg.Retention.CleanupInterval <= 0 {
		rg.Retention.CleanupInterval = 24 * time.Hour
	}

	if rg.DeadLetter.Path == "" {
		rg.DeadLetter.Path = "output/dead_letters.jsonl"
	}

	if rg.HTTP.Addr == "" {
		rg.HTTP.Addr = ":3002"
	}
	if rg.HTTP.RequestTimeout <= 0 {
		rg.HTTP.RequestTimeout = 60 * time.Second
	}
	if rg.HTTP.ShutdownTimeout <= 0 {
		rg.HTTP.ShutdownTimeout = 10 * time.Second
	}

	if rg.Logging.Level == "" {
		rg.Logging.Level = "info"
	}
	if rg.Logging.Format == "" {
		rg.Logging.Format = "console"
	}
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	rg := c.RelGraph
	switch rg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: unknown database driver %q", ErrInvalid, rg.Database.Driver)
	}
	if strings.TrimSpace(rg.Database.DSN) == "" {
		return fmt.Errorf("%w: database dsn is empty", ErrInvalid)
	}
	switch rg.Input.Mode {
	case "none", "redis":
	case "kafka":
		if len(rg.Input.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: kafka input needs at least one broker", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown input mode %q", ErrInvalid, rg.Input.Mode)
	}
	if rg.Rules.Enabled && strings.TrimSpace(rg.Rules.Path) == "" {
		return fmt.Errorf("%w: rules enabled but rules.path is empty", ErrInvalid)
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
