package source

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

type LocalOptions struct {
	Root       string
	Extensions Extensions
	// Skip lists absolute paths never yielded, such as the state file and
	// its lock.
	Skip   []string
	Logger *slog.Logger
}

// ScanLocal walks Root in lexical order and returns every regular file with
// an allowed extension. Unreadable subdirectories are logged and skipped;
// an unreadable root is an error.
func ScanLocal(opts LocalOptions) ([]Candidate, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, errors.New("local root is required")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	skip := make(map[string]bool, len(opts.Skip))
	for _, path := range opts.Skip {
		if abs, err := filepath.Abs(path); err == nil {
			skip[abs] = true
		}
	}

	var out []Candidate
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			logger.Warn("local.walk.skip", "path", path, "err", walkErr)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if skip[path] || !opts.Extensions.Allowed(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		out = append(out, Candidate{
			Path:   path,
			Key:    filepath.ToSlash(rel),
			Origin: OriginLocal,
			Source: "local",
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	return out, nil
}

// EnsureRoot reports whether the sync root exists and is a directory.
func EnsureRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}
	return nil
}
