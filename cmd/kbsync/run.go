package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/kbsync/internal/config"
	"github.com/agentworkforce/kbsync/internal/knowledge"
	"github.com/agentworkforce/kbsync/internal/resolver"
	"github.com/agentworkforce/kbsync/internal/source"
	"github.com/agentworkforce/kbsync/internal/syncer"
)

func newRunCmd(g *globalOptions) *cobra.Command {
	var metricsFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sync pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			summary, err := runSync(ctx, g, metricsFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), summary)
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsFile, "metrics-file", envOrDefault("KBSYNC_METRICS_FILE", ""), "write run metrics in Prometheus textfile format")
	return cmd
}

func runSync(ctx context.Context, g *globalOptions, metricsFile string, stderr io.Writer) (syncer.Summary, error) {
	cfg, origin, err := g.loadConfig()
	if err != nil {
		return syncer.Summary{}, err
	}
	if err := cfg.RequireAPIKey(); err != nil {
		return syncer.Summary{}, err
	}
	logger, closeLog, err := g.newLogger(stderr)
	if err != nil {
		return syncer.Summary{}, err
	}
	defer closeLog()
	logger.Info("config.loaded", "origin", origin)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return syncer.Summary{}, err
	}
	defer store.Close()
	if store.Migrated() {
		logger.Info("state.migrated", "state", cfg.Files.StateFile)
	}

	client := knowledge.NewHTTPClient(cfg.OpenWebUI.URL, cfg.OpenWebUI.APIKey, &http.Client{
		Timeout: cfg.Retry.UploadTimeoutDuration(),
	})
	var metrics *syncer.Metrics
	if metricsFile != "" {
		metrics = syncer.NewMetrics()
	}
	opts, err := syncerOptions(cfg, logger, metrics)
	if err != nil {
		return syncer.Summary{}, err
	}
	s, err := syncer.New(client, store, opts)
	if err != nil {
		return syncer.Summary{}, err
	}
	summary, err := s.Run(ctx)
	if metrics != nil {
		if werr := metrics.WriteTextfile(metricsFile); werr != nil {
			logger.Warn("metrics.write.failed", "path", metricsFile, "err", werr)
		}
	}
	return summary, err
}

func syncerOptions(cfg config.Config, logger *slog.Logger, metrics *syncer.Metrics) (syncer.Options, error) {
	root, err := filepath.Abs(cfg.Files.Directory)
	if err != nil {
		return syncer.Options{}, err
	}
	resolverOpts := cfg.ResolverOptions()
	resolverOpts.SyncRoot = root
	opts := syncer.Options{
		SyncRoot:   root,
		Extensions: cfg.Files.AllowedExtensions,
		Skip:       []string{cfg.Files.StateFile, cfg.Files.StateFile + ".lock"},
		Resolver:   resolver.New(resolverOpts),
		Sources:    cfg.RemoteSources(),
		Policy: syncer.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			RetryDelay:  cfg.Retry.DelayDuration(),
		},
		UploadTimeout: cfg.Retry.UploadTimeoutDuration(),
		PollInterval:  cfg.Retry.PollIntervalDuration(),
		Backfill:      cfg.KnowledgeBases.Backfill,
		Logger:        logger,
		Metrics:       metrics,
	}
	if cfg.Files.LockFile != "" {
		opts.Skip = append(opts.Skip, cfg.Files.LockFile)
	}
	if len(opts.Sources) > 0 {
		opts.Ingestor = source.NewIngestor(source.IngestorOptions{
			SSH:        cfg.SSHOptions(),
			Extensions: source.NewExtensions(cfg.Files.AllowedExtensions),
			Logger:     logger,
		})
	}
	return opts, nil
}

func printSummary(w io.Writer, s syncer.Summary) {
	bold := color.New(color.Bold)
	_, _ = bold.Fprintln(w, "Sync summary")
	row := func(c *color.Color, label string, n int) {
		if n == 0 {
			c = color.New(color.Faint)
		}
		_, _ = c.Fprintf(w, "  %-11s %d\n", label, n)
	}
	row(color.New(color.FgGreen), "uploaded", s.Uploaded)
	row(color.New(color.FgCyan), "skipped", s.Skipped)
	row(color.New(color.FgRed), "failed", s.Failed)
	row(color.New(color.FgYellow), "retried", s.Retried)
	row(color.New(color.FgCyan), "filtered", s.Filtered)
	row(color.New(color.FgCyan), "converted", s.Converted)
	if s.Backfilled > 0 {
		row(color.New(color.FgCyan), "backfilled", s.Backfilled)
	}
	if s.Failed > 0 {
		_, _ = fmt.Fprintln(w, color.YellowString("  %d file(s) failed; see the log for reasons", s.Failed))
	}
}
