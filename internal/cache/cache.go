// Package cache provides a disk-backed TTL key-value store with atomic
// writes. Entries live under <dir>/<kind>/<sha256(key)[:2]>/<sha256(key)>.bin
// with a sibling .meta JSON describing expiry. File names are derived from a
// hash of the key, so arbitrary keys are safe on disk.
package cache

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casefile-hq/casefile/internal/debug"
)

const (
	dirMode  = 0o700
	fileMode = 0o600
)

// Stats is a snapshot of cache contents and hit counters.
type Stats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

type meta struct {
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	ContentHash string    `json:"content_hash"`
}

// Cache is a process-wide, thread-safe disk cache scoped to one kind.
type Cache struct {
	dir    string // <root>/<kind>
	aead   cipher.AEAD
	mu     sync.Mutex
	hits   atomic.Int64
	misses atomic.Int64
	clock  func() time.Time
}

// Option configures a Cache.
type Option func(*Cache) error

// WithEncryption enables AES-256-GCM encryption of entry payloads.
// key must be exactly 32 bytes.
func WithEncryption(key []byte) Option {
	return func(c *Cache) error {
		if len(key) != 32 {
			return fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return fmt.Errorf("cipher init: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return fmt.Errorf("gcm init: %w", err)
		}
		c.aead = aead
		return nil
	}
}

// withClock overrides the time source; used by tests.
func withClock(clock func() time.Time) Option {
	return func(c *Cache) error {
		c.clock = clock
		return nil
	}
}

// New creates a cache rooted at dir/kind. The directory tree is created
// with owner-only permissions.
func New(root, kind string, opts ...Option) (*Cache, error) {
	if kind == "" {
		kind = "default"
	}
	c := &Cache{
		dir:   filepath.Join(root, kind),
		clock: time.Now,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(c.dir, dirMode); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return c, nil
}

func (c *Cache) paths(key string) (binPath, metaPath string) {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	base := filepath.Join(c.dir, name[:2])
	return filepath.Join(base, name+".bin"), filepath.Join(base, name+".meta")
}

// Get returns the cached value for key. Expired, absent, or unreadable
// entries are misses, never errors.
func (c *Cache) Get(key string) ([]byte, bool) {
	binPath, metaPath := c.paths(key)

	metaRaw, err := os.ReadFile(metaPath)
	if err != nil {
		c.misses.Add(1)
		return nil, false
	}
	var m meta
	if err := json.Unmarshal(metaRaw, &m); err != nil {
		debug.Logf("cache: corrupt meta for %s: %v\n", metaPath, err)
		c.misses.Add(1)
		return nil, false
	}
	if c.clock().After(m.ExpiresAt) {
		c.misses.Add(1)
		return nil, false
	}

	data, err := os.ReadFile(binPath)
	if err != nil {
		c.misses.Add(1)
		return nil, false
	}
	if hash := contentHash(data); hash != m.ContentHash {
		debug.Logf("cache: content hash mismatch for %s\n", binPath)
		c.misses.Add(1)
		return nil, false
	}

	if c.aead != nil {
		data, err = c.open(data)
		if err != nil {
			debug.Logf("cache: decrypt failed for %s: %v\n", binPath, err)
			c.misses.Add(1)
			return nil, false
		}
	}

	c.hits.Add(1)
	return data, true
}

// Set writes key atomically: value and meta go to sibling temp files which
// are then renamed into place. No partial entry is ever observable.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) error {
	binPath, metaPath := c.paths(key)
	if err := os.MkdirAll(filepath.Dir(binPath), dirMode); err != nil {
		return fmt.Errorf("create cache subdir: %w", err)
	}

	payload := value
	if c.aead != nil {
		var err error
		payload, err = c.seal(value)
		if err != nil {
			return fmt.Errorf("encrypt entry: %w", err)
		}
	}

	now := c.clock()
	m := meta{
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		ContentHash: contentHash(payload),
	}
	metaRaw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Payload lands before meta; readers treat a missing or stale meta as a
	// miss, so the order guarantees no partial read.
	if err := writeAtomic(binPath, payload); err != nil {
		return err
	}
	return writeAtomic(metaPath, metaRaw)
}

// Delete removes key. Deleting an absent key is not an error.
func (c *Cache) Delete(key string) error {
	binPath, metaPath := c.paths(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(binPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Clear removes every entry in this cache's kind directory.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.RemoveAll(c.dir); err != nil {
		return err
	}
	return os.MkdirAll(c.dir, dirMode)
}

// Stats walks the kind directory and returns entry/byte counts plus the
// hit/miss counters accumulated since construction.
func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
	_ = filepath.Walk(c.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if filepath.Ext(path) == ".bin" {
			s.Entries++
			s.Bytes += info.Size()
		}
		return nil
	})
	return s
}

// CleanupExpired sweeps the kind directory and removes expired entries.
// Returns the number of entries removed.
func (c *Cache) CleanupExpired() (int, error) {
	now := c.clock()
	removed := 0

	c.mu.Lock()
	defer c.mu.Unlock()

	err := filepath.Walk(c.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || filepath.Ext(path) != ".meta" {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var m meta
		if err := json.Unmarshal(raw, &m); err != nil {
			// Corrupt meta: remove the pair rather than leak it forever.
			debug.Logf("cache: removing corrupt entry %s\n", path)
			_ = os.Remove(path)
			_ = os.Remove(path[:len(path)-len(".meta")] + ".bin")
			removed++
			return nil
		}
		if now.After(m.ExpiresAt) {
			_ = os.Remove(path)
			_ = os.Remove(path[:len(path)-len(".meta")] + ".bin")
			removed++
		}
		return nil
	})
	return removed, err
}

func (c *Cache) seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

func (c *Cache) open(sealed []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("sealed payload too short")
	}
	return c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeAtomic writes data to a sibling temp file and renames it into place.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
