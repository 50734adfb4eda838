package respcache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360/tokenstream/errors"
)

// Backend is the pluggable persistent tier behind the memory cache.
//
// Keys are fingerprint strings, values are codec-encoded envelopes.
// Implementations must be safe for concurrent use. A Get for a missing
// or expired key returns errors.ErrKeyNotFound.
type Backend interface {
	// Put stores an encoded entry with the given TTL. A ttl of zero
	// stores without expiry.
	Put(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Get retrieves an encoded entry. Expired entries are treated as
	// missing and may be removed as a side effect.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes an entry. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists the stored fingerprints.
	Keys(ctx context.Context) ([]string, error)

	// Close releases backend resources.
	Close() error
}

// fileEntry wraps the encoded payload with its expiry for the file
// backend, which has no native TTL support.
type fileEntry struct {
	ExpiresAt time.Time `json:"expires_at"`
	Data      []byte    `json:"data"`
}

// fileBackend stores one file per fingerprint under a root directory.
// Expiry is enforced lazily on read.
type fileBackend struct {
	dir string
}

// NewFileBackend creates a file-per-entry backend rooted at dir,
// creating the directory if needed.
func NewFileBackend(dir string) (Backend, error) {
	if dir == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "fileBackend", "New",
			"cache directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "fileBackend", "New", "create cache directory")
	}
	return &fileBackend{dir: dir}, nil
}

// path maps a fingerprint to its file. Fingerprints are hex strings so
// they are always safe path components.
func (fb *fileBackend) path(key string) string {
	return filepath.Join(fb.dir, key+".cache")
}

func (fb *fileBackend) Put(_ context.Context, key string, data []byte, ttl time.Duration) error {
	entry := fileEntry{Data: data}
	if ttl > 0 {
		entry.ExpiresAt = time.Now().Add(ttl)
	}

	encoded, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "fileBackend", "Put", "marshal entry")
	}

	// Write to a temp file then rename so readers never see a partial entry
	tmp, err := os.CreateTemp(fb.dir, "put-*.tmp")
	if err != nil {
		return errors.WrapTransient(err, "fileBackend", "Put", "create temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(encoded); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.WrapTransient(err, "fileBackend", "Put", "write entry")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.WrapTransient(err, "fileBackend", "Put", "close temp file")
	}
	if err := os.Rename(tmpName, fb.path(key)); err != nil {
		_ = os.Remove(tmpName)
		return errors.WrapTransient(err, "fileBackend", "Put", "rename entry into place")
	}
	return nil
}

func (fb *fileBackend) Get(_ context.Context, key string) ([]byte, error) {
	raw, err := os.ReadFile(fb.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrKeyNotFound
		}
		return nil, errors.WrapTransient(err, "fileBackend", "Get", "read entry")
	}

	var entry fileEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, errors.Wrap(err, "fileBackend", "Get", "unmarshal entry")
	}

	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		_ = os.Remove(fb.path(key))
		return nil, errors.ErrKeyNotFound
	}

	return entry.Data, nil
}

func (fb *fileBackend) Delete(_ context.Context, key string) error {
	if err := os.Remove(fb.path(key)); err != nil && !os.IsNotExist(err) {
		return errors.WrapTransient(err, "fileBackend", "Delete", "remove entry")
	}
	return nil
}

func (fb *fileBackend) Keys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(fb.dir)
	if err != nil {
		return nil, errors.WrapTransient(err, "fileBackend", "Keys", "read cache directory")
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".cache") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".cache"))
	}
	return keys, nil
}

func (fb *fileBackend) Close() error {
	return nil
}
