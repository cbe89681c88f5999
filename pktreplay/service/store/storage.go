package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/go-analyze/bulk"

	"github.com/go-appsec/pktreplay/pktreplay/service/ids"
)

// ErrClosed is returned by operations on a closed Storage.
var ErrClosed = errors.New("storage closed")

// Storage is a minimal key/value store for serialized values.
type Storage interface {
	// Get returns the value for key; found is false when the key is absent.
	Get(key string) (value []byte, found bool, err error)
	Set(key string, value []byte) error
	Delete(key string) error
	DeleteAll() error
	// KeySet returns all keys in sorted order.
	KeySet() []string
	Close() error
}

// MemStorage keeps values in memory. Thread-safe.
type MemStorage struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemStorage creates an empty in-memory Storage.
func NewMemStorage() *MemStorage {
	return &MemStorage{data: make(map[string][]byte)}
}

func (m *MemStorage) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.data[key]
	return slices.Clone(v), ok, nil
}

func (m *MemStorage) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.data[key] = slices.Clone(value)
	return nil
}

func (m *MemStorage) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

func (m *MemStorage) DeleteAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.data = make(map[string][]byte)
	return nil
}

func (m *MemStorage) KeySet() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := bulk.MapKeysSlice(m.data)
	slices.Sort(keys)
	return keys
}

func (m *MemStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

const fileSuffix = ".bin"

// FileStorage keeps one file per key inside a directory.
// Writes go to a temp file that is renamed into place.
type FileStorage struct {
	mu     sync.RWMutex
	dir    string
	closed bool
}

// NewFileStorage creates dir if needed and returns a Storage backed by it.
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

// validKey rejects keys that could escape the storage directory.
func validKey(key string) bool {
	return ids.IsValid(key)
}

func (f *FileStorage) path(key string) string {
	return filepath.Join(f.dir, key+fileSuffix)
}

func (f *FileStorage) Get(key string) ([]byte, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, false, ErrClosed
	} else if !validKey(key) {
		return nil, false, fmt.Errorf("invalid key %q", key)
	}

	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (f *FileStorage) Set(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	} else if !validKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}

	path := f.path(key)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, value, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func (f *FileStorage) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	} else if !validKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}

	if err := os.Remove(f.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (f *FileStorage) DeleteAll() error {
	keys := f.KeySet()
	for _, k := range keys {
		if err := f.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileStorage) KeySet() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil
	}
	entries = bulk.SliceFilter(func(e os.DirEntry) bool {
		return !e.IsDir() && strings.HasSuffix(e.Name(), fileSuffix)
	}, entries)
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, strings.TrimSuffix(e.Name(), fileSuffix))
	}
	slices.Sort(keys)
	return keys
}

func (f *FileStorage) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}
