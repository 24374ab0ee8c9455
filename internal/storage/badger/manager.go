// Package badger provides the BadgerDB-backed implementation of the
// storage bridge's datastore schema.
package badger

import (
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Manager owns the single BadgerDB instance backing a node's datastore.
// Unlike a per-purpose instance layout, the node core's datastore schema
// (§6) is column-prefixed within one instance, since all columns are
// read/written under the same per-context lock discipline.
type Manager struct {
	mu  sync.RWMutex
	db  *badger.DB
	dir string
}

// NewManager opens (creating if absent) a BadgerDB instance rooted at dir.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create badger directory: %w", err)
	}

	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithValueLogFileSize(64 << 20).
		WithNumVersionsToKeep(1).
		WithCompactL0OnClose(true).
		WithDetectConflicts(false).
		WithNumCompactors(2).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}

	return &Manager{db: db, dir: dir}, nil
}

// DB returns the underlying BadgerDB handle for direct transaction use.
func (m *Manager) DB() *badger.DB {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.db
}

// Close closes the instance.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}

// RunGC runs one pass of BadgerDB value-log garbage collection.
func (m *Manager) RunGC(discardRatio float64) error {
	m.mu.RLock()
	db := m.db
	m.mu.RUnlock()
	if db == nil {
		return ErrClosed
	}
	for {
		err := db.RunValueLogGC(discardRatio)
		if err == badger.ErrNoRewrite {
			return nil
		}
		if err != nil {
			return fmt.Errorf("value log gc: %w", err)
		}
	}
}

// Stats reports on-disk size for the instance.
func (m *Manager) Stats() (lsmSize, vlogSize int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return 0, 0
	}
	return m.db.Size()
}
