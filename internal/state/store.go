package state

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

type OpenOptions struct {
	// LockPath is used for the run lock when the backend does not implement
	// Locker. Empty disables locking for such backends.
	LockPath string
	Now      func() time.Time
}

// Store is the fingerprint store for a single run. It holds the run lock
// from Open until Close and is not safe for concurrent use.
type Store struct {
	backend  Backend
	state    SyncState
	unlock   func() error
	migrated bool
}

func Open(ctx context.Context, backend Backend, opts OpenOptions) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is required", ErrInvalidInput)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	unlock, err := acquireRunLock(ctx, backend, opts.LockPath)
	if err != nil {
		return nil, err
	}
	raw, err := backend.Load(ctx)
	if err != nil {
		_ = unlock()
		return nil, err
	}
	st, migrated, err := Decode(raw, now())
	if err != nil {
		_ = unlock()
		return nil, err
	}
	return &Store{
		backend:  backend,
		state:    st,
		unlock:   unlock,
		migrated: migrated,
	}, nil
}

func acquireRunLock(ctx context.Context, backend Backend, lockPath string) (func() error, error) {
	if locker, ok := backend.(Locker); ok {
		return locker.Lock(ctx)
	}
	if strings.TrimSpace(lockPath) == "" {
		return func() error { return nil }, nil
	}
	return acquireFileLock(lockPath)
}

// Migrated reports whether the loaded snapshot used the legacy flat layout.
func (s *Store) Migrated() bool {
	return s.migrated
}

func (s *Store) Get(key string) (FileRecord, bool) {
	rec, ok := s.state.Files[key]
	return rec, ok
}

func (s *Store) Put(key string, rec FileRecord) {
	s.state.Files[key] = rec
}

// Forget removes a file record. The sync loop never calls it; it exists for
// explicit administrative resets.
func (s *Store) Forget(key string) bool {
	if _, ok := s.state.Files[key]; !ok {
		return false
	}
	delete(s.state.Files, key)
	return true
}

func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.state.Files))
	for key := range s.state.Files {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) KnowledgeBase(name string) (KnowledgeBaseRecord, bool) {
	kb, ok := s.state.KnowledgeBases[name]
	if ok {
		kb.Name = name
	}
	return kb, ok
}

func (s *Store) PutKnowledgeBase(kb KnowledgeBaseRecord) {
	s.state.KnowledgeBases[kb.Name] = kb
}

func (s *Store) DropKnowledgeBase(name string) {
	delete(s.state.KnowledgeBases, name)
}

func (s *Store) KnownKnowledgeBases() []KnowledgeBaseRecord {
	return s.state.sortedKnowledgeBases()
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() SyncState {
	return s.state.clone()
}

func (s *Store) Save(ctx context.Context) error {
	data, err := Encode(s.state)
	if err != nil {
		return err
	}
	return s.backend.Save(ctx, data)
}

func (s *Store) Close() error {
	var unlockErr error
	if s.unlock != nil {
		unlockErr = s.unlock()
		s.unlock = nil
	}
	if err := s.backend.Close(); err != nil {
		return err
	}
	return unlockErr
}
