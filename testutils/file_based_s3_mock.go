package testutils

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileBasedS3Mock stands in for an S3 bucket by storing each object as a
// file under a directory. Errors can be injected per key.
type FileBasedS3Mock struct {
	mu      sync.RWMutex
	baseDir string
	errors  map[string]error
}

func NewFileBasedS3Mock(baseDir string) (*FileBasedS3Mock, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileBasedS3Mock{
		baseDir: baseDir,
		errors:  make(map[string]error),
	}, nil
}

func (m *FileBasedS3Mock) injected(key string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err, ok := m.errors[key]; ok {
		return err
	}
	return m.errors["*"]
}

func (m *FileBasedS3Mock) Put(ctx context.Context, key string, reader io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.injected(key); err != nil {
		return err
	}

	filePath := m.keyToFilePath(key)
	m.mu.Lock()
	err := os.MkdirAll(filepath.Dir(filePath), 0755)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	written, err := io.Copy(file, reader)
	if err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d, wrote %d", size, written)
	}
	return nil
}

func (m *FileBasedS3Mock) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.injected(key); err != nil {
		return nil, err
	}
	file, err := os.Open(m.keyToFilePath(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("object not found: %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

func (m *FileBasedS3Mock) Exists(ctx context.Context, key string) (bool, error) {
	if err := m.injected(key); err != nil {
		return false, err
	}
	if _, err := os.Stat(m.keyToFilePath(key)); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to stat file: %w", err)
	}
	return true, nil
}

// SetError makes every operation on key fail with err. The key "*" matches
// all keys.
func (m *FileBasedS3Mock) SetError(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[key] = err
}

func (m *FileBasedS3Mock) ClearError(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.errors, key)
}

// StoredKeys returns the keys of all stored objects, sorted.
func (m *FileBasedS3Mock) StoredKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	filepath.Walk(m.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			keys = append(keys, m.filePathToKey(path))
		}
		return nil
	})
	sort.Strings(keys)
	return keys
}

func (m *FileBasedS3Mock) keyToFilePath(key string) string {
	return filepath.Join(m.baseDir, strings.ReplaceAll(key, "/", string(os.PathSeparator)))
}

func (m *FileBasedS3Mock) filePathToKey(filePath string) string {
	relPath, err := filepath.Rel(m.baseDir, filePath)
	if err != nil {
		return filePath
	}
	return strings.ReplaceAll(relPath, string(os.PathSeparator), "/")
}
