package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// FileCache is a generic atomic-write JSON cache for the snapshots the
// execution loop needs before its first database round-trip completes on
// startup: the last-known open positions and the day's universe
// selection. Writes go through a temp-file-then-rename sequence with an
// fsync of both the file and its parent directory, so a crash mid-write
// never leaves a half-written cache behind.
type FileCache struct {
	path string
	mu   sync.Mutex
}

// NewFileCache creates a cache rooted at path, creating its parent
// directory if needed.
func NewFileCache(path string) (*FileCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("filecache: creating parent directory: %w", err)
	}
	return &FileCache{path: path}, nil
}

// Load unmarshals the cache contents into dst. A missing file is not an
// error; dst is left untouched and the caller treats it as an empty cache.
func (c *FileCache) Load(dst interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("filecache: read %s: %w", c.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// Save atomically replaces the cache contents with the JSON encoding of v.
func (c *FileCache) Save(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnsafe(v)
}

func (c *FileCache) saveUnsafe(v interface{}) error {
	dir := filepath.Dir(c.path)
	f, err := os.CreateTemp(dir, ".filecache-*")
	if err != nil {
		return fmt.Errorf("filecache: create temp file: %w", err)
	}
	tmpFile := f.Name()

	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpFile)
		return fmt.Errorf("filecache: chmod temp file: %w", err)
	}

	cleanup := true
	defer func() {
		if cleanup {
			_ = f.Close()
			_ = os.Remove(tmpFile)
		}
	}()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("filecache: encode: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("filecache: sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("filecache: close temp file: %w", err)
	}
	cleanup = false

	if err := os.Rename(tmpFile, c.path); err != nil {
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
			return fmt.Errorf("filecache: cross-device rename unsupported: %w", err)
		}
		return fmt.Errorf("filecache: rename temp file: %w", err)
	}

	return c.syncParentDir()
}

func (c *FileCache) syncParentDir() error {
	dir, err := os.Open(filepath.Dir(c.path))
	if err != nil {
		return fmt.Errorf("filecache: open parent dir: %w", err)
	}
	defer func() { _ = dir.Close() }()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("filecache: sync parent dir: %w", err)
	}
	return nil
}
