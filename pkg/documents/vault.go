// Package documents keeps the raw bytes of every source document so that a
// declaration record can always be traced back to what was submitted.
// Documents are content-addressed and never deleted.
package documents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned when no document has the requested hash.
var ErrNotFound = errors.New("document not found")

// Vault stores source documents by content hash ("sha256:<hex>").
type Vault interface {
	// Put stores data and returns its content hash. Storing the same bytes
	// twice is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
}

// Hash returns the content hash used as a vault key.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// objectKey validates hash and returns its sharded key, "ab/abcdef....doc".
func objectKey(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, "sha256:")
	if !ok {
		return "", fmt.Errorf("invalid hash format: %s", hash)
	}
	if len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("invalid hash length: %s", hash)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid hash hex: %w", err)
	}
	return raw[:2] + "/" + raw + ".doc", nil
}

// FileVault is a filesystem-backed Vault.
type FileVault struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileVault creates a vault rooted at baseDir.
func NewFileVault(baseDir string) (*FileVault, error) {
	//nolint:gosec // shared document directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure vault dir: %w", err)
	}
	return &FileVault{baseDir: baseDir}, nil
}

func (v *FileVault) path(key string) string {
	return filepath.Join(v.baseDir, filepath.FromSlash(key))
}

func (v *FileVault) Put(ctx context.Context, data []byte) (string, error) {
	hash := Hash(data)
	key, err := objectKey(hash)
	if err != nil {
		return "", err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	path := v.path(key)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	//nolint:gosec // shared document directory
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create shard dir: %w", err)
	}

	tmp := path + ".tmp"
	//nolint:gosec // documents are readable by the operator
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write document: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to commit document: %w", err)
	}
	return hash, nil
}

func (v *FileVault) Get(ctx context.Context, hash string) ([]byte, error) {
	key, err := objectKey(hash)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	f, err := os.Open(v.path(key)) //nolint:gosec // key validated as hex
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, err
	}
	defer f.Close() //nolint:errcheck // read-only

	return io.ReadAll(f)
}

func (v *FileVault) Exists(ctx context.Context, hash string) (bool, error) {
	key, err := objectKey(hash)
	if err != nil {
		return false, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	_, err = os.Stat(v.path(key))
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

// MemoryVault keeps documents in process memory.
type MemoryVault struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{docs: make(map[string][]byte)}
}

func (v *MemoryVault) Put(_ context.Context, data []byte) (string, error) {
	hash := Hash(data)
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.docs[hash]; !ok {
		v.docs[hash] = append([]byte(nil), data...)
	}
	return hash, nil
}

func (v *MemoryVault) Get(_ context.Context, hash string) ([]byte, error) {
	if _, err := objectKey(hash); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	data, ok := v.docs[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return append([]byte(nil), data...), nil
}

func (v *MemoryVault) Exists(_ context.Context, hash string) (bool, error) {
	if _, err := objectKey(hash); err != nil {
		return false, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.docs[hash]
	return ok, nil
}
