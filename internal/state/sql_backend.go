package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	sqlStateTableName     = "kbsync_state"
	sqlStateKey           = "default"
	sqlOperationTimeout   = 10 * time.Second
	postgresDriverName    = "postgres"
	sqliteDriverName      = "sqlite"
	sqlitePragmaBusyMilli = 5000
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver     string
	table      string
	createStmt string
	selectStmt string
	upsertStmt string
}

func postgresDialect(table string) sqlDialect {
	quoted := quoteIdentifier(table)
	return sqlDialect{
		driver: postgresDriverName,
		table:  table,
		createStmt: fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoted),
		selectStmt: fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = $1", quoted),
		upsertStmt: fmt.Sprintf(`
			INSERT INTO %s (state_key, snapshot, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (state_key)
			DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, quoted),
	}
}

func sqliteDialect(table string) sqlDialect {
	quoted := quoteIdentifier(table)
	return sqlDialect{
		driver: sqliteDriverName,
		table:  table,
		createStmt: fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`, quoted),
		selectStmt: fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = ?", quoted),
		upsertStmt: fmt.Sprintf(`
			INSERT INTO %s (state_key, snapshot, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (state_key)
			DO UPDATE SET snapshot = excluded.snapshot, updated_at = CURRENT_TIMESTAMP`, quoted),
	}
}

// SQLBackend keeps the snapshot in a single row of a key/value table. The
// table is created on first use.
type SQLBackend struct {
	dsn      string
	dialect  sqlDialect
	stateKey string
	lockPath string
	openDB   sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLBackend{
		dsn:      dsn,
		dialect:  postgresDialect(sqlStateTableName),
		stateKey: sqlStateKey,
		openDB:   sql.Open,
	}, nil
}

// NewSQLiteBackend opens path with the pure-Go sqlite driver. The run lock
// is an flock on path+".lock".
func NewSQLiteBackend(path string) (*SQLBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLBackend{
		dsn:      fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, sqlitePragmaBusyMilli),
		dialect:  sqliteDialect(sqlStateTableName),
		stateKey: sqlStateKey,
		lockPath: path + ".lock",
		openDB:   sql.Open,
	}, nil
}

func (b *SQLBackend) Load(ctx context.Context) ([]byte, error) {
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var payload string
	err := b.db.QueryRowContext(ctx, b.dialect.selectStmt, b.stateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return []byte(payload), nil
}

func (b *SQLBackend) Save(ctx context.Context, snapshot []byte) error {
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	_, err := b.db.ExecContext(ctx, b.dialect.upsertStmt, b.stateKey, string(snapshot))
	return err
}

// Lock uses a session-level advisory lock on postgres and an flock beside
// the database file on sqlite.
func (b *SQLBackend) Lock(ctx context.Context) (func() error, error) {
	if b.dialect.driver != postgresDriverName {
		return acquireFileLock(b.lockPath)
	}
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	key := advisoryLockKey(b.dialect.table, b.stateKey)
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, ErrLocked
	}
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		_, unlockErr := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", key)
		closeErr := conn.Close()
		if unlockErr != nil {
			return unlockErr
		}
		return closeErr
	}, nil
}

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLBackend) ensureReady(ctx context.Context) error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
			return
		}
		ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, b.dialect.createStmt); err != nil {
			_ = db.Close()
			b.initErr = fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
			return
		}
		b.db = db
	})
	return b.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func advisoryLockKey(table, key string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(table)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(key)))
	return int64(hasher.Sum64())
}
