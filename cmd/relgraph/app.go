package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"relgraph/config"
	"relgraph/internal/analyzer"
	"relgraph/internal/batch"
	"relgraph/internal/cache"
	"relgraph/internal/filestatus"
	inputkafka "relgraph/internal/input/kafka"
	inputredis "relgraph/internal/input/redis"
	"relgraph/internal/logger"
	"relgraph/internal/output/deadletter"
	"relgraph/internal/pipeline"
	"relgraph/internal/rules"
	"relgraph/internal/store"
)

func findConfigFile(configArg string) string {
	if configArg != "" {
		if _, err := os.Stat(configArg); err == nil {
			return configArg
		}
		fmt.Fprintf(os.Stderr, "Warning: config file not found at %s, trying default locations\n", configArg)
	}

	if _, err := os.Stat("relgraph.yml"); err == nil {
		return "relgraph.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		path := filepath.Join(filepath.Dir(exePath), "relgraph.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "relgraph.yml"
}

func loadConfig(configArg string) (*config.Config, string, error) {
	path := findConfigFile(configArg)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config: %w", err)
	}
	config.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	lc := cfg.RelGraph.Logging
	if err := logger.InitWithOptions(logger.Options{
		Enabled: lc.Enabled,
		Level:   lc.Level,
		File:    lc.File,
		Console: lc.Console,
		Format:  lc.Format,
	}); err != nil {
		return nil, path, fmt.Errorf("initialize logger: %w", err)
	}
	return cfg, path, nil
}

// app holds the wired service components.
type app struct {
	cfg        *config.Config
	registry   *prometheus.Registry
	db         *store.DB
	relCache   *cache.Cache
	fileCache  *cache.Cache
	logs       *store.LogSource
	relations  *store.RelationsModel
	files      *store.FileStatusModel
	fileStatus *filestatus.Service
	batches    *batch.Service
	deadLetter *deadletter.Writer
	analyzer   *analyzer.RelationAnalyzer
}

func openDB(ctx context.Context, cfg *config.Config) (*store.DB, error) {
	dc := cfg.RelGraph.Database
	db, err := store.Open(ctx, store.Options{Driver: dc.Driver, DSN: dc.DSN, MaxOpenConns: dc.MaxOpenConns})
	if err != nil {
		return nil, err
	}
	logger.Infof("Database opened: driver=%s", dc.Driver)
	return db, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	rg := cfg.RelGraph
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, rg.Database.Driver == store.DriverSQLite); err != nil {
		db.Close()
		return nil, err
	}

	a := &app{cfg: cfg, registry: prometheus.NewRegistry(), db: db}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var dl batch.DeadLetterWriter
	if rg.DeadLetter.Enabled {
		w, err := deadletter.NewWriter(rg.DeadLetter.Path)
		if err != nil {
			db.Close()
			return nil, err
		}
		a.deadLetter = w
		dl = w
	}
	a.batches = batch.NewService(batch.Config{
		MaxBatchSize:  rg.Batch.MaxBatchSize,
		FlushDelay:    rg.Batch.FlushDelay,
		MaxConcurrent: rg.Batch.MaxConcurrent,
		Registerer:    a.registry,
		DeadLetter:    dl,
	})

	a.relCache = cache.New(rg.Cache.RelationsTTL, rg.Cache.MaxEntries)
	a.fileCache = cache.New(rg.Cache.FileStatusTTL, rg.Cache.MaxEntries)
	a.logs = store.NewLogSource(db)
	a.files = store.NewFileStatusModel(db, a.fileCache)
	a.relations = store.NewRelationsModel(db, a.relCache, a.files)
	a.fileStatus = filestatus.NewService(a.files, a.batches)

	engine, err := loadRules(rg.Rules)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.analyzer = analyzer.NewRelationAnalyzer(a.logs, a.batches, a.registry)
	a.analyzer.RegisterDefaults(analyzer.Deps{
		Batches:    a.batches,
		Relations:  a.relations,
		FileStatus: a.fileStatus,
		Rules:      engine,
	})
	logger.Infof("Analysis types: %s", strings.Join(a.analyzer.Types(), ", "))
	return a, nil
}

func loadRules(rc config.RulesConfig) (rules.Engine, error) {
	if !rc.Enabled {
		return &rules.NoopEngine{}, nil
	}
	engine, stats, err := rules.NewSigmaEngine(rc.Path)
	if err != nil {
		return nil, fmt.Errorf("load sigma rules from %s: %w", rc.Path, err)
	}
	logger.Infof("Sigma rules loaded: loaded=%d skipped_complex=%d skipped_datasource=%d skipped_invalid=%d files=%d",
		stats.Loaded, stats.SkippedComplex, stats.SkippedDatasource, stats.SkippedInvalid, stats.TotalFiles)
	if stats.Loaded == 0 {
		logger.Warnf("No compatible Sigma rules loaded; detection tagging is effectively disabled")
	}
	return engine, nil
}

func (a *app) source() (pipeline.Source, error) {
	in := a.cfg.RelGraph.Input
	switch in.Mode {
	case "redis":
		c, err := inputredis.NewConsumer(inputredis.Config{
			Addr:         in.Redis.Addr,
			Password:     in.Redis.Password,
			DB:           in.Redis.DB,
			Key:          in.Redis.Key,
			BlockTimeout: in.Redis.BlockTimeout,
		})
		if err != nil {
			return nil, err
		}
		logger.Infof("Input mode: redis (%s, key %s)", in.Redis.Addr, in.Redis.Key)
		return c, nil
	case "kafka":
		c, err := inputkafka.NewConsumer(inputkafka.Config{
			Brokers: in.Kafka.Brokers,
			Topic:   in.Kafka.Topic,
			GroupID: in.Kafka.GroupID,
		})
		if err != nil {
			return nil, err
		}
		logger.Infof("Input mode: kafka (topic %s)", in.Kafka.Topic)
		return c, nil
	}
	logger.Infof("Input mode: none (HTTP notifications only)")
	return nil, nil
}

func (a *app) pipeline(src pipeline.Source) *pipeline.Pipeline {
	rg := a.cfg.RelGraph
	return pipeline.New(pipeline.Config{
		FieldUpdateDebounce:  rg.FieldUpdates.Debounce,
		FieldUpdateThreshold: rg.FieldUpdates.Threshold,
		IncrementalInterval:  rg.Analysis.IncrementalInterval,
		IncrementalWindow:    rg.Analysis.IncrementalWindow,
		TemplateWindow:       rg.Analysis.TemplateWindow,
		MaintenanceInterval:  rg.Analysis.MaintenanceInterval,
		CleanupInterval:      rg.Retention.CleanupInterval,
		RetentionDays:        rg.Retention.Days,
		MaxLogs:              rg.Analysis.MaxLogs,
	}, src, a.analyzer, a.relations, a.logs, a.batches)
}

// Close flushes queued work and releases resources.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RelGraph.HTTP.ShutdownTimeout)
	defer cancel()
	if a.batches != nil {
		if err := a.batches.Close(ctx); err != nil {
			logger.Errorf("Error closing batch service: %v", err)
		}
	}
	if a.deadLetter != nil {
		if err := a.deadLetter.Close(); err != nil {
			logger.Errorf("Error closing dead letter writer: %v", err)
		}
	}
	for _, c := range []*cache.Cache{a.relCache, a.fileCache} {
		if c != nil {
			c.Close()
		}
	}
	if err := a.db.Close(); err != nil {
		logger.Errorf("Error closing database: %v", err)
	}
}
