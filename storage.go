package codeassist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrContextNotFound is returned by ContextStore.Get when no record exists
// for the given session id.
var ErrContextNotFound = errors.New("context not found")

const badgerKeyPrefix = "context/"

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Path is the directory for database files. Required unless InMemory is
	// set, in which case it is ignored.
	Path string

	// InMemory keeps all data in memory with no disk persistence. Useful for
	// testing.
	InMemory bool

	// SyncWrites makes every write durable before returning.
	SyncWrites bool

	// GCInterval is how often to run value log garbage collection. Zero
	// disables it. GC never runs for in-memory databases.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC
	// rewrites a value log file. Defaults to 0.5.
	GCDiscardRatio float64

	// Logger receives the database's own log output. Badger's internal
	// logging is disabled when nil.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns a production configuration for the given
// directory: synchronous writes and periodic value log garbage collection.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// BadgerStore is a ContextStore backed by an embedded Badger database. One
// record is kept per session id, as JSON under the "context/" key prefix.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger

	gcStopCh chan struct{}
	gcDoneCh chan struct{}
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// NewBadgerStore opens the database described by cfg, creating its directory
// when needed, and starts the value log GC loop when configured. The caller
// must call Close when done.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &BadgerStore{
		db:     db,
		logger: logger.With("component", "badger-store"),
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 {
			ratio = 0.5
		}
		s.gcStopCh = make(chan struct{})
		s.gcDoneCh = make(chan struct{})
		go s.runGC(cfg.GCInterval, ratio)
	}

	return s, nil
}

// Put writes one context record, overwriting any previous value.
func (s *BadgerStore) Put(ctx context.Context, sc *SessionContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal context %s: %w", sc.SessionID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(sc.SessionID), data)
	})
}

// Get reads one context record, returning ErrContextNotFound when no record
// exists for the session id.
func (s *BadgerStore) Get(ctx context.Context, sessionID string) (*SessionContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sc SessionContext
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sc)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrContextNotFound
		}
		return nil, fmt.Errorf("read context %s: %w", sessionID, err)
	}
	return &sc, nil
}

// Delete removes one context record, reporting whether a record existed.
func (s *BadgerStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := false
	err := s.db.Update(func(txn *badger.Txn) error {
		key := badgerKey(sessionID)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return txn.Delete(key)
	})
	if err != nil {
		return false, fmt.Errorf("delete context %s: %w", sessionID, err)
	}
	return found, nil
}

// List returns the session ids of every stored record.
func (s *BadgerStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(badgerKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			ids = append(ids, string(key[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	return ids, nil
}

// ExpiredBefore returns the session ids of records last accessed before
// cutoff.
func (s *BadgerStore) ExpiredBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(badgerKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var sc SessionContext
				if err := json.Unmarshal(val, &sc); err != nil {
					s.logger.Warn("skipping undecodable context record",
						"key", string(item.Key()), "err", err)
					return nil
				}
				if sc.LastAccessed.Before(cutoff) {
					ids = append(ids, sc.SessionID)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan expired contexts: %w", err)
	}
	return ids, nil
}

// Close stops the GC loop and closes the database.
func (s *BadgerStore) Close() error {
	if s.gcStopCh != nil {
		close(s.gcStopCh)
		<-s.gcDoneCh
	}
	return s.db.Close()
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDoneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStopCh:
			return
		case <-ticker.C:
			// RunValueLogGC returns ErrNoRewrite when there is nothing to collect.
			err := s.db.RunValueLogGC(ratio)
			switch {
			case err == nil:
				s.logger.Debug("badger value log GC completed")
			case !errors.Is(err, badger.ErrNoRewrite):
				s.logger.Warn("badger value log GC failed", "err", err)
			}
		}
	}
}

func badgerKey(sessionID string) []byte {
	return []byte(badgerKeyPrefix + sessionID)
}

// FileStore is a ContextStore that keeps one JSON file per session in a
// directory. It is the lightweight alternative to BadgerStore for
// single-process deployments.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore creates the storage directory when needed and returns a store
// over it. An empty dir defaults to ".mcp_contexts" in the working directory.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if dir == "" {
		dir = ".mcp_contexts"
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create store directory %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		dir:    dir,
		logger: logger.With("component", "file-store"),
	}, nil
}

// Put writes one context record, overwriting any previous value.
func (s *FileStore) Put(ctx context.Context, sc *SessionContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal context %s: %w", sc.SessionID, err)
	}
	if err := os.WriteFile(s.contextFile(sc.SessionID), data, 0o600); err != nil {
		return fmt.Errorf("write context %s: %w", sc.SessionID, err)
	}
	return nil
}

// Get reads one context record, returning ErrContextNotFound when no record
// exists for the session id.
func (s *FileStore) Get(ctx context.Context, sessionID string) (*SessionContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.contextFile(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrContextNotFound
		}
		return nil, fmt.Errorf("read context %s: %w", sessionID, err)
	}
	var sc SessionContext
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("decode context %s: %w", sessionID, err)
	}
	return &sc, nil
}

// Delete removes one context record, reporting whether a record existed.
func (s *FileStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := os.Remove(s.contextFile(sessionID)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("delete context %s: %w", sessionID, err)
	}
	return true, nil
}

// List returns the session ids of every stored record.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	files, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	ids := make([]string, 0, len(files))
	for _, f := range files {
		ids = append(ids, strings.TrimSuffix(filepath.Base(f), ".json"))
	}
	return ids, nil
}

// ExpiredBefore returns the session ids of records last accessed before
// cutoff.
func (s *FileStore) ExpiredBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("scan expired contexts: %w", err)
	}
	var ids []string
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(f)
		if err != nil {
			s.logger.Warn("skipping unreadable context file", "path", f, "err", err)
			continue
		}
		var sc SessionContext
		if err := json.Unmarshal(data, &sc); err != nil {
			s.logger.Warn("skipping undecodable context file", "path", f, "err", err)
			continue
		}
		if sc.LastAccessed.Before(cutoff) {
			ids = append(ids, strings.TrimSuffix(filepath.Base(f), ".json"))
		}
	}
	return ids, nil
}

// Close is a no-op: FileStore holds no open resources between calls.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) contextFile(sessionID string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_").Replace(sessionID)
	return filepath.Join(s.dir, safe+".json")
}
