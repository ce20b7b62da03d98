// Package logging builds the process logger.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	FormatText = "text"
	FormatJSON = "json"

	defaultMaxSizeMB  = 50
	defaultMaxBackups = 5
	defaultMaxAgeDays = 30
)

var ErrInvalidOption = errors.New("invalid logging option")

type Options struct {
	Level  string
	Format string
	// File, when set, receives the log through a size-rotated writer
	// instead of Writer.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// Writer defaults to os.Stderr.
	Writer io.Writer
}

// New returns the logger and a closer for the underlying file, if any.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	var (
		out    io.Writer = opts.Writer
		closer io.Closer = nopCloser{}
	)
	if out == nil {
		out = os.Stderr
	}
	if file := strings.TrimSpace(opts.File); file != "" {
		rotating := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    positive(opts.MaxSizeMB, defaultMaxSizeMB),
			MaxBackups: positive(opts.MaxBackups, defaultMaxBackups),
			MaxAge:     positive(opts.MaxAgeDays, defaultMaxAgeDays),
			Compress:   opts.Compress,
		}
		out, closer = rotating, rotating
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", FormatText:
		handler = slog.NewTextHandler(out, handlerOpts)
	case FormatJSON:
		handler = slog.NewJSONHandler(out, handlerOpts)
	default:
		_ = closer.Close()
		return nil, nil, fmt.Errorf("%w: format %q", ErrInvalidOption, opts.Format)
	}
	return slog.New(handler), closer, nil
}

// ParseLevel accepts debug, info, warn/warning and error. Empty is info.
func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: level %q", ErrInvalidOption, raw)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func positive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
