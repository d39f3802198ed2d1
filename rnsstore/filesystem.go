package rnsstore

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// indexFileName holds the ancillary key→filename mapping as JSON,
// exactly as the teacher's directory.Cache keeps its own bookkeeping
// (valid-until timestamps, relay metadata) in JSON alongside the blobs
// it caches — blobs themselves stay in whatever wire format the caller
// passed to Store.
const indexFileName = "index.json"

// Filesystem is a directory-backed Store: each key's blob is written to
// its own file, with a small JSON index recording the key→filename
// mapping (filenames are hex-encoded keys, so arbitrary key strings
// never need escaping on disk). Grounded on directory.Cache's
// load/store-to-a-directory shape (0700 dir, 0600 files).
type Filesystem struct {
	mu  sync.Mutex
	dir string
}

// NewFilesystem creates a store rooted at dir. The directory is created
// lazily on first Store call.
func NewFilesystem(dir string) *Filesystem {
	return &Filesystem{dir: dir}
}

func (f *Filesystem) indexPath() string {
	return filepath.Join(f.dir, indexFileName)
}

func (f *Filesystem) blobPath(key string) string {
	return filepath.Join(f.dir, hex.EncodeToString([]byte(key))+".blob")
}

func (f *Filesystem) loadIndexLocked() (map[string]string, error) {
	data, err := os.ReadFile(f.indexPath())
	if os.IsNotExist(err) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, err
	}
	index := make(map[string]string)
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("rnsstore: decode index: %w", err)
	}
	return index, nil
}

func (f *Filesystem) saveIndexLocked(index map[string]string) error {
	data, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("rnsstore: encode index: %w", err)
	}
	return os.WriteFile(f.indexPath(), data, 0600)
}

// Load reads the blob stored under key, or ErrNotFound.
func (f *Filesystem) Load(key string) ([]byte, error) {
	data, err := os.ReadFile(f.blobPath(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("rnsstore: read %q: %w", key, err)
	}
	return data, nil
}

// Store writes data under key, creating the store directory if needed
// and recording key in the index.
func (f *Filesystem) Store(key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(f.dir, 0700); err != nil {
		return fmt.Errorf("rnsstore: create store dir: %w", err)
	}
	if err := os.WriteFile(f.blobPath(key), data, 0600); err != nil {
		return fmt.Errorf("rnsstore: write %q: %w", key, err)
	}
	index, err := f.loadIndexLocked()
	if err != nil {
		return err
	}
	index[hex.EncodeToString([]byte(key))] = key
	return f.saveIndexLocked(index)
}

// Remove deletes the blob stored under key and its index entry.
func (f *Filesystem) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.blobPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rnsstore: remove %q: %w", key, err)
	}
	index, err := f.loadIndexLocked()
	if err != nil {
		return err
	}
	delete(index, hex.EncodeToString([]byte(key)))
	return f.saveIndexLocked(index)
}

// List returns every key currently stored, read from the JSON index.
func (f *Filesystem) List() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	index, err := f.loadIndexLocked()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(index))
	for _, key := range index {
		keys = append(keys, key)
	}
	return keys, nil
}
