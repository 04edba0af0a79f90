package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigAppliesYAMLAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relgraph.yml")
	require.NoError(t, os.WriteFile(path, []byte(`relgraph:
  database:
    driver: postgres
    dsn: postgres://relgraph@localhost/relgraph?sslmode=disable
  input:
    mode: kafka
    kafka:
      brokers: [kafka-1:9092, kafka-2:9092]
  field_updates:
    debounce: 500ms
  rules:
    enabled: true
    path: rules/
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	ApplyDefaults(cfg)
	require.NoError(t, cfg.Validate())

	rg := cfg.RelGraph
	assert.Equal(t, "postgres", rg.Database.Driver)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, rg.Input.Kafka.Brokers)
	assert.Equal(t, "relgraph-notifications", rg.Input.Kafka.Topic)
	assert.Equal(t, 500*time.Millisecond, rg.FieldUpdates.Debounce)
	assert.Equal(t, 20, rg.FieldUpdates.Threshold)
	assert.Equal(t, 100, rg.Batch.MaxBatchSize)
	assert.Equal(t, 2*time.Second, rg.Batch.FlushDelay)
	assert.Equal(t, 4, rg.Batch.MaxConcurrent)
	assert.Equal(t, 30*24*time.Hour, rg.Analysis.Window)
	assert.Equal(t, 48*time.Hour, rg.Analysis.TemplateWindow)
	assert.Equal(t, 5*time.Minute, rg.Analysis.IncrementalInterval)
	assert.Equal(t, rg.Analysis.IncrementalInterval, rg.Analysis.IncrementalWindow)
	assert.Equal(t, 90, rg.Retention.Days)
	assert.Equal(t, ":3002", rg.HTTP.Addr)
}

func TestIncrementalWindowFollowsInterval(t *testing.T) {
	cfg := &Config{}
	cfg.RelGraph.Analysis.IncrementalInterval = 10 * time.Minute
	ApplyDefaults(cfg)
	assert.Equal(t, 10*time.Minute, cfg.RelGraph.Analysis.IncrementalWindow)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("RELGRAPH_HTTP_ADDR", ":9000")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)
	ApplyDefaults(cfg)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sqlite", cfg.RelGraph.Database.Driver)
	assert.Equal(t, "data/relgraph.db", cfg.RelGraph.Database.DSN)
	assert.Equal(t, "none", cfg.RelGraph.Input.Mode)
	assert.Equal(t, "relgraph:notifications", cfg.RelGraph.Input.Redis.Key)
	assert.Equal(t, ":9000", cfg.RelGraph.HTTP.Addr)
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relgraph.yml")
	require.NoError(t, os.WriteFile(path, []byte("relgraph: [unclosed"), 0o644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("RELGRAPH_DB_DRIVER", "postgres")
	t.Setenv("RELGRAPH_DB_DSN", "postgres://db/relgraph")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("KAFKA_BROKERS", " a:9092, ,b:9092 ")

	var cfg Config
	ApplyEnv(&cfg)
	assert.Equal(t, "postgres", cfg.RelGraph.Database.Driver)
	assert.Equal(t, "postgres://db/relgraph", cfg.RelGraph.Database.DSN)
	assert.Equal(t, "redis:6379", cfg.RelGraph.Input.Redis.Addr)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.RelGraph.Input.Kafka.Brokers)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown driver": func(c *Config) { c.RelGraph.Database.Driver = "mysql" },
		"empty dsn":      func(c *Config) { c.RelGraph.Database.DSN = " " },
		"unknown input":  func(c *Config) { c.RelGraph.Input.Mode = "nats" },
		"kafka brokers":  func(c *Config) { c.RelGraph.Input.Mode = "kafka"; c.RelGraph.Input.Kafka.Brokers = nil },
		"rules path":     func(c *Config) { c.RelGraph.Rules.Enabled = true },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			var cfg Config
			ApplyDefaults(&cfg)
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}
