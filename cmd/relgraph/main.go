package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"relgraph/internal/analyzer"
	"relgraph/internal/api"
	"relgraph/internal/logger"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "relgraph",
		Short: "Relation mining and file status tracking for red-team logs",
		Long: `relgraph derives a relation graph (users, hosts, IPs, MACs, domains, commands,
command sequences) and per-host file status from operator log rows.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to relgraph.yml")

	root.AddCommand(serveCmd(), analyzeCmd(), cleanupCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, notification consumer and schedulers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			logger.Infof("RelGraph starting")
			logger.Infof("Config loaded from: %s", path)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			src, err := a.source()
			if err != nil {
				return err
			}
			pipe := a.pipeline(src)

			srv := api.NewServer(api.Config{
				RequestTimeout: cfg.RelGraph.HTTP.RequestTimeout,
				Gatherer:       a.registry,
			}, a.relations, a.fileStatus, pipe, a.analyzer, a.batches)
			httpServer := &http.Server{
				Addr:              cfg.RelGraph.HTTP.Addr,
				Handler:           srv.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				if err := pipe.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Errorf("Pipeline error: %v", err)
				}
			}()
			go func() {
				logger.Infof("HTTP API listening on %s", httpServer.Addr)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Errorf("HTTP server error: %v", err)
					cancel()
				}
			}()

			<-ctx.Done()
			logger.Infof("Shutting down")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.RelGraph.HTTP.ShutdownTimeout)
			defer shutdownCancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Errorf("Error shutting down HTTP server: %v", err)
			}
			if err := pipe.Close(); err != nil {
				logger.Errorf("Error closing pipeline: %v", err)
			}
			logger.Infof("RelGraph stopped")
			return nil
		},
	}
}

func analyzeCmd() *cobra.Command {
	var (
		types  []string
		window time.Duration
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run one analysis pass over recent logs and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if window <= 0 {
				window = cfg.RelGraph.Analysis.Window
			}
			if limit <= 0 {
				limit = cfg.RelGraph.Analysis.MaxLogs
			}
			res, err := a.analyzer.AnalyzeLogs(ctx, analyzer.Options{Types: types, Window: window, Limit: limit})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if failed := res.Failed(); len(failed) > 0 {
				return fmt.Errorf("analyzers failed: %v", failed)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "analysis types to run (default all)")
	cmd.Flags().DurationVar(&window, "window", 0, "how far back to read logs (default from config)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum logs to read (default from config)")
	return cmd
}

func cleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete relations not seen within the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := context.Background()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if days <= 0 {
				days = cfg.RelGraph.Retention.Days
			}
			n, err := a.relations.DeleteOlderThan(ctx, days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d relations older than %d days\n", n, days)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default from config)")
	return cmd
}

func migrateCmd() *cobra.Command {
	var collaborators bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the relgraph tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := context.Background()
			db, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(ctx, collaborators); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
	cmd.Flags().BoolVar(&collaborators, "with-logs", false, "also create standalone logs, tags and log_tags tables")
	return cmd
}
