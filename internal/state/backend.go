package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Backend persists raw state snapshots. Load returns nil, nil when nothing
// has been saved yet.
type Backend interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, snapshot []byte) error
	Close() error
}

// Locker is implemented by backends that can guard a whole load/save cycle
// themselves. The returned func releases the lock.
type Locker interface {
	Lock(ctx context.Context) (func() error, error)
}

type InMemoryBackend struct {
	mu       sync.Mutex
	runMu    sync.Mutex
	snapshot []byte
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{}
}

func (b *InMemoryBackend) Load(ctx context.Context) ([]byte, error) {
	_ = ctx
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return append([]byte(nil), b.snapshot...), nil
}

func (b *InMemoryBackend) Save(ctx context.Context, snapshot []byte) error {
	_ = ctx
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = append([]byte(nil), snapshot...)
	return nil
}

func (b *InMemoryBackend) Lock(ctx context.Context) (func() error, error) {
	_ = ctx
	if !b.runMu.TryLock() {
		return nil, ErrLocked
	}
	return func() error {
		b.runMu.Unlock()
		return nil
	}, nil
}

func (b *InMemoryBackend) Close() error {
	return nil
}

// JSONFileBackend stores the snapshot as a single JSON document. Writes go
// through a temp file in the same directory followed by a rename.
type JSONFileBackend struct {
	Path string
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Load(ctx context.Context) ([]byte, error) {
	_ = ctx
	if b == nil || b.Path == "" {
		return nil, ErrInvalidInput
	}
	if err := ensureDir(filepath.Dir(b.Path)); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrStorageUnavailable, b.Path, err)
	}
	return data, nil
}

func (b *JSONFileBackend) Save(ctx context.Context, snapshot []byte) error {
	_ = ctx
	if b == nil || b.Path == "" {
		return ErrInvalidInput
	}
	if err := ensureDir(filepath.Dir(b.Path)); err != nil {
		return err
	}
	return replaceFile(b.Path, snapshot, 0o644)
}

func (b *JSONFileBackend) Lock(ctx context.Context) (func() error, error) {
	_ = ctx
	if b == nil || b.Path == "" {
		return nil, ErrInvalidInput
	}
	return acquireFileLock(b.Path + ".lock")
}

func (b *JSONFileBackend) Close() error {
	return nil
}

func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// replaceFile swaps in data as the new content of path through a sibling
// temp file and a rename. The temp file never outlives a failed write.
func replaceFile(path string, data []byte, mode os.FileMode) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.partial")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Chmod(mode)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
