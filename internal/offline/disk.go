package offline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// DiskStore keeps each bucket in its own directory under a base dir. Each
// URL gets a subdirectory named after a hash of the URL holding meta.json
// and the raw body:
//
//	<dir>/<bucket>/<hash>/meta.json
//	<dir>/<bucket>/<hash>/body
type DiskStore struct {
	dir string
	mu  sync.Mutex
}

// NewDiskStore creates a DiskStore rooted at dir.
func NewDiskStore(dir string) (*DiskStore, error) {
	if dir == "" {
		// Relative fallback so development runs need no root permissions.
		dir = "./var/offline-cache"
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &DiskStore{dir: dir}, nil
}

func (d *DiskStore) Get(_ context.Context, bucket, key string) (*Entry, error) {
	entryPath, err := d.entryPath(bucket, key)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(entryPath, "meta.json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode cache meta for %s: %w", key, err)
	}
	body, err := os.ReadFile(filepath.Join(entryPath, "body"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e.Body = body
	return &e, nil
}

func (d *DiskStore) Put(_ context.Context, bucket, key string, e *Entry) error {
	if e == nil {
		return errors.New("offline: nil entry")
	}
	entryPath, err := d.entryPath(bucket, key)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(entryPath, 0o700); err != nil {
		return err
	}

	// Write body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(entryPath, "body"), e.Body, 0o600); err != nil {
		return err
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(entryPath, "meta.json"), data, 0o600)
}

func (d *DiskStore) Buckets(_ context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, de := range entries {
		if de.IsDir() {
			names = append(names, de.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (d *DiskStore) DropBucket(_ context.Context, bucket string) error {
	if err := validBucket(bucket); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return os.RemoveAll(filepath.Join(d.dir, bucket))
}

func (d *DiskStore) entryPath(bucket, key string) (string, error) {
	if err := validBucket(bucket); err != nil {
		return "", err
	}
	if key == "" {
		return "", errors.New("offline: empty cache key")
	}
	sum := sha256.Sum256([]byte(key))
	// First 16 hex chars are plenty for a site-sized cache.
	return filepath.Join(d.dir, bucket, hex.EncodeToString(sum[:8])), nil
}

func validBucket(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("offline: invalid bucket name %q", name)
	}
	return nil
}
