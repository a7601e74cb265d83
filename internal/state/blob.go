package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Blob is the synchronous key-value persistence boundary for the period.
// Get returns nil, nil when the key has never been written.
type Blob interface {
	Get(key string) ([]byte, error)
	Set(key string, data []byte) error
}

// FileBlob stores each key as <dir>/<key>.json.
type FileBlob struct {
	dir string
}

// NewFileBlob returns a FileBlob rooted at dir. The directory is created lazily.
func NewFileBlob(dir string) *FileBlob {
	return &FileBlob{dir: dir}
}

func (b *FileBlob) path(key string) string {
	return filepath.Join(b.dir, key+".json")
}

func (b *FileBlob) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Set writes atomically (temp + rename) with 0600 permissions.
func (b *FileBlob) Set(key string, data []byte) error {
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(b.dir, key+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, b.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// MemoryBlob is an in-process Blob. SetErr, when non-nil, is returned by Set.
type MemoryBlob struct {
	mu     sync.Mutex
	data   map[string][]byte
	SetErr error
}

func NewMemoryBlob() *MemoryBlob {
	return &MemoryBlob{data: make(map[string][]byte)}
}

func (b *MemoryBlob) Get(key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (b *MemoryBlob) Set(key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SetErr != nil {
		return b.SetErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	b.data[key] = cp
	return nil
}
