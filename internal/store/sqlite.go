package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
) WITHOUT ROWID;
`

// SQLiteConfig configures a SQLite-backed store.
type SQLiteConfig struct {
	// Path is the database file. Required.
	Path string

	// PoolSize is the number of pooled connections. Defaults to 4.
	PoolSize int

	Logger *slog.Logger
}

// SQLite persists shared state in a WAL-mode database so it survives a
// hub restart.
type SQLite struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	notify *Notifier

	// writeMu orders commits and their notifications so watchers observe
	// changes in commit order.
	writeMu sync.Mutex
}

// OpenSQLite opens (creating if needed) the database at cfg.Path.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: sqlite path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}

	s := &SQLite{pool: pool, logger: logger, notify: NewNotifier(logger)}
	if err := s.migrate(); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("state store opened", "path", cfg.Path, "pool_size", poolSize)
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLite) migrate() error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	defer s.pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, keys ...string) (Values, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: get: %w", err)
	}
	defer s.pool.Put(conn)

	out := make(Values, len(keys))
	for _, key := range keys {
		value, ok, err := readValue(conn, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = value
		}
	}
	return out, nil
}

func (s *SQLite) Set(ctx context.Context, entries Values) (err error) {
	if len(entries) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: set: %w", err)
	}
	defer s.pool.Put(conn)

	if err := s.commit(conn, func() error {
		for key, value := range entries {
			if err := writeValue(conn, key, value); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	s.notify.Notify(changesFrom(entries))
	return nil
}

func (s *SQLite) CompareAndSwap(ctx context.Context, key string, old, next []byte) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("store: compare-and-swap: %w", err)
	}
	defer s.pool.Put(conn)

	swapped := false
	err = s.commit(conn, func() error {
		cur, present, err := readValue(conn, key)
		if err != nil {
			return err
		}
		if !matches(cur, present, old) {
			return nil
		}
		swapped = true
		return writeValue(conn, key, next)
	})
	if err != nil {
		return false, err
	}
	if swapped {
		s.notify.Notify([]Change{{Key: key, Value: next}})
	}
	return swapped, nil
}

func (s *SQLite) Watch() *Watcher {
	return s.notify.Watch()
}

// Close releases watchers and closes the connection pool.
func (s *SQLite) Close() error {
	s.notify.CloseAll()
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

// commit runs fn inside an immediate transaction, rolling back if fn
// returns an error.
func (s *SQLite) commit(conn *sqlite.Conn, fn func() error) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)
	return fn()
}

func readValue(conn *sqlite.Conn, key string) (value []byte, ok bool, err error) {
	err = sqlitex.Execute(conn, "SELECT value FROM kv WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, value)
			ok = true
			return nil
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("store: reading %s: %w", key, err)
	}
	return value, ok, nil
}

func writeValue(conn *sqlite.Conn, key string, value []byte) error {
	if value == nil {
		if err := sqlitex.Execute(conn, "DELETE FROM kv WHERE key = ?", &sqlitex.ExecOptions{
			Args: []any{key},
		}); err != nil {
			return fmt.Errorf("store: deleting %s: %w", key, err)
		}
		return nil
	}
	err := sqlitex.Execute(conn, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{key, value, time.Now().UnixMilli()},
		})
	if err != nil {
		return fmt.Errorf("store: writing %s: %w", key, err)
	}
	return nil
}
