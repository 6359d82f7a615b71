package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/quackmore/mycoRegister/internal/common"
	"github.com/quackmore/mycoRegister/internal/dbx"
)

// Backend identifies one of the capability-probed storage locations.
type Backend string

const (
	// BackendDurable is the transactional SQLite store (most durable).
	BackendDurable Backend = "durable"
	// BackendObfuscated is the persistent file store with the XOR pass.
	BackendObfuscated Backend = "obfuscated"
	// BackendVolatile lives only for the lifetime of the process.
	BackendVolatile Backend = "volatile"
)

// backend stores opaque string payloads under namespaced keys.
type backend interface {
	store(key, value string) error
	retrieve(key string) (string, error)
	remove(key string) error
	name() Backend
}

// sqliteBackend is the durable transactional store. Values are obfuscated
// at rest like every persistent location.
type sqliteBackend struct {
	db  *sql.DB
	obf *obfuscator
}

func newSQLiteBackend(db *sql.DB, obf *obfuscator) (*sqliteBackend, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS auth_store (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("failed to init auth store: %w", err)
	}
	return &sqliteBackend{db: db, obf: obf}, nil
}

func (b *sqliteBackend) store(key, value string) error {
	ctx := context.Background()
	return dbx.WithTx(ctx, b.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO auth_store (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, b.obf.conceal(value))
		return err
	})
}

func (b *sqliteBackend) retrieve(key string) (string, error) {
	var stored string
	err := b.db.QueryRow(`SELECT value FROM auth_store WHERE key = ?`, key).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return "", common.ErrorNotFound
	}
	if err != nil {
		return "", err
	}
	return b.obf.reveal(stored)
}

func (b *sqliteBackend) remove(key string) error {
	_, err := b.db.Exec(`DELETE FROM auth_store WHERE key = ?`, key)
	return err
}

func (b *sqliteBackend) name() Backend { return BackendDurable }

// fileBackend is the simple persistent store: one JSON file of obfuscated
// values under the state dir.
type fileBackend struct {
	path string
	obf  *obfuscator
	mu   sync.Mutex
}

func newFileBackend(path string, obf *obfuscator) *fileBackend {
	return &fileBackend{path: path, obf: obf}
}

func (b *fileBackend) load() (map[string]string, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	m := map[string]string{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (b *fileBackend) save(m map[string]string) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, data, 0o600)
}

func (b *fileBackend) store(key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, err := b.load()
	if err != nil {
		return err
	}
	m[key] = b.obf.conceal(value)
	return b.save(m)
}

func (b *fileBackend) retrieve(key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, err := b.load()
	if err != nil {
		return "", err
	}
	stored, ok := m[key]
	if !ok {
		return "", common.ErrorNotFound
	}
	return b.obf.reveal(stored)
}

func (b *fileBackend) remove(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, err := b.load()
	if err != nil {
		return err
	}
	delete(m, key)
	return b.save(m)
}

func (b *fileBackend) name() Backend { return BackendObfuscated }

// memoryBackend is the volatile store, cleared when the process ends.
type memoryBackend struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{values: map[string]string{}}
}

func (b *memoryBackend) store(key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = value
	return nil
}

func (b *memoryBackend) retrieve(key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[key]
	if !ok {
		return "", common.ErrorNotFound
	}
	return v, nil
}

func (b *memoryBackend) remove(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.values, key)
	return nil
}

func (b *memoryBackend) name() Backend { return BackendVolatile }

func ensureStateDir(dir string) error {
	return os.MkdirAll(filepath.Clean(dir), 0o700)
}
