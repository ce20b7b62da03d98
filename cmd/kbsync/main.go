package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/agentworkforce/kbsync/internal/config"
	"github.com/agentworkforce/kbsync/internal/logging"
	"github.com/agentworkforce/kbsync/internal/state"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitConfig   = 2
	exitLocked   = 3
	exitCanceled = 130
)

func main() {
	root := newRootCmd(config.LookupFunc(os.LookupEnv))
	err := root.Execute()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, color.RedString("kbsync: %v", err))
	}
	os.Exit(exitCode(err))
}

type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	logFile    string
	noColor    bool
	lookup     config.LookupFunc
}

func newRootCmd(lookup config.LookupFunc) *cobra.Command {
	g := &globalOptions{lookup: lookup}

	root := &cobra.Command{
		Use:           "kbsync",
		Short:         "Sync local and SSH file collections into Open WebUI knowledge bases",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if g.noColor {
				color.NoColor = true
			}
		},
	}
	g.bindFlags(root.PersistentFlags())

	root.AddCommand(newRunCmd(g))
	root.AddCommand(newStateCmd(g))
	root.AddCommand(newFilesCmd(g))
	root.AddCommand(newConfigCmd(g))
	return root
}

func (g *globalOptions) bindFlags(flags *pflag.FlagSet) {
	flags.StringVar(&g.configPath, "config", envOrDefault("KBSYNC_CONFIG", ""), "config file (JSON or YAML); defaults to CONFIG_FILE, then environment variables")
	flags.StringVar(&g.logLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "log level: debug|info|warn|error")
	flags.StringVar(&g.logFormat, "log-format", envOrDefault("LOG_FORMAT", logging.FormatText), "log format: text|json")
	flags.StringVar(&g.logFile, "log-file", envOrDefault("LOG_FILE", ""), "write logs to a rotated file instead of stderr")
	flags.BoolVar(&g.noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
}

// loadConfig resolves and validates the configuration.
func (g *globalOptions) loadConfig() (config.Config, string, error) {
	cfg, origin, err := config.Resolve(g.configPath, g.lookup)
	if err != nil {
		return config.Config{}, origin, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, origin, err
	}
	return cfg, origin, nil
}

func (g *globalOptions) newLogger(stderr io.Writer) (*slog.Logger, func(), error) {
	logger, closer, err := logging.New(logging.Options{
		Level:  g.logLevel,
		Format: g.logFormat,
		File:   g.logFile,
		Writer: stderr,
	})
	if err != nil {
		return nil, nil, err
	}
	return logger, func() { _ = closer.Close() }, nil
}

// openStore opens the state store named by files.state_file and takes the
// run lock.
func openStore(ctx context.Context, cfg config.Config) (*state.Store, error) {
	backend, err := state.BuildBackendFromDSN(cfg.Files.StateFile)
	if err != nil {
		return nil, fmt.Errorf("state backend: %w", err)
	}
	store, err := state.Open(ctx, backend, state.OpenOptions{
		LockPath: state.LockPathFor(backend, lockFallback(cfg)),
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return store, nil
}

// lockFallback is the lock file for backends that cannot lock themselves.
func lockFallback(cfg config.Config) string {
	if lock := strings.TrimSpace(cfg.Files.LockFile); lock != "" {
		return lock
	}
	return filepath.Join(os.TempDir(), "kbsync.lock")
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled):
		return exitCanceled
	case errors.Is(err, state.ErrLocked):
		return exitLocked
	case errors.Is(err, config.ErrMissingAPIKey), errors.Is(err, config.ErrInvalidValue):
		return exitConfig
	default:
		return exitFailure
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
