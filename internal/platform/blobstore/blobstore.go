// Package blobstore provides write-once object storage for audit archives.
// Objects are addressed by slash-separated keys and are never overwritten.
// It ships an in-memory implementation for tests and development and a
// directory-backed implementation for single-node deployments.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectExists   = errors.New("object already exists")
	ErrInvalidKey     = errors.New("invalid object key")
	ErrObjectTooLarge = errors.New("object exceeds maximum allowed size")
)

// MaxObjectSize is the maximum allowed object size in bytes (8 MB).
const MaxObjectSize = 8 * 1024 * 1024

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store defines the contract for object storage backends.
type Store interface {
	Put(ctx context.Context, key, contentType string, content io.Reader) (*ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]*ObjectInfo, error)
}

// ValidateKey rejects empty keys, absolute keys and path traversal.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

func readLimited(content io.Reader) ([]byte, string, error) {
	data, err := io.ReadAll(io.LimitReader(content, MaxObjectSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading content: %w", err)
	}
	if len(data) > MaxObjectSize {
		return nil, "", ErrObjectTooLarge
	}
	return data, fmt.Sprintf("%x", sha256.Sum256(data)), nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedObject struct {
	info    ObjectInfo
	content []byte
}

// MemoryStore is a thread-safe, in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*storedObject
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*storedObject)}
}

func (s *MemoryStore) Put(_ context.Context, key, contentType string, content io.Reader) (*ObjectInfo, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	data, hash, err := readLimited(content)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectExists, key)
	}
	info := ObjectInfo{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        hash,
		CreatedAt:   time.Now().UTC(),
	}
	s.objects[key] = &storedObject{info: info, content: data}
	return &info, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrObjectNotFound
	}
	info := obj.info
	return io.NopCloser(bytes.NewReader(obj.content)), &info, nil
}

// List returns objects whose key starts with prefix, sorted by key.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]*ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ObjectInfo
	for k, obj := range s.objects {
		if strings.HasPrefix(k, prefix) {
			info := obj.info
			out = append(out, &info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// ---------------------------------------------------------------------------
// Directory implementation
// ---------------------------------------------------------------------------

// DirStore keeps each object as a file under a root directory. Content type
// is not persisted; objects read back report application/octet-stream
// unless the key ends in .json.
type DirStore struct {
	root string
}

func NewDirStore(root string) (*DirStore, error) {
	if root == "" {
		return nil, fmt.Errorf("blobstore: root directory is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("blobstore: create root: %w", err)
	}
	return &DirStore{root: root}, nil
}

func (s *DirStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *DirStore) Put(ctx context.Context, key, contentType string, content io.Reader) (*ObjectInfo, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	data, hash, err := readLimited(content)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return nil, fmt.Errorf("blobstore: create dir: %w", err)
	}
	// O_EXCL keeps objects write-once even with concurrent writers.
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrObjectExists, key)
		}
		return nil, fmt.Errorf("blobstore: create object: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(p)
		return nil, fmt.Errorf("blobstore: write object: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("blobstore: close object: %w", err)
	}

	return &ObjectInfo{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        hash,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (s *DirStore) Get(_ context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	if err := ValidateKey(key); err != nil {
		return nil, nil, err
	}
	f, err := os.Open(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, ErrObjectNotFound
		}
		return nil, nil, fmt.Errorf("blobstore: open object: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("blobstore: stat object: %w", err)
	}
	return f, s.infoFor(key, st), nil
}

func (s *DirStore) List(ctx context.Context, prefix string) ([]*ObjectInfo, error) {
	var out []*ObjectInfo
	err := filepath.WalkDir(s.root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		st, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, s.infoFor(key, st))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: list %q: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *DirStore) infoFor(key string, st os.FileInfo) *ObjectInfo {
	ct := "application/octet-stream"
	if strings.HasSuffix(key, ".json") {
		ct = "application/json"
	}
	return &ObjectInfo{Key: key, ContentType: ct, Size: st.Size(), CreatedAt: st.ModTime().UTC()}
}
