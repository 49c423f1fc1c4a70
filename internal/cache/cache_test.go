package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), "test", opts...)
	require.NoError(t, err)
	return c
}

func TestSetGetRoundTrip(t *testing.T) {
	c := newTestCache(t)

	require.NoError(t, c.Set("alpha", []byte("payload"), time.Minute))
	got, hit := c.Get("alpha")
	require.True(t, hit)
	assert.Equal(t, []byte("payload"), got)
}

func TestGetMissesAbsentAndExpired(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c := newTestCache(t, withClock(func() time.Time { return clock() }))

	_, hit := c.Get("absent")
	assert.False(t, hit)

	require.NoError(t, c.Set("short", []byte("x"), time.Second))
	now = now.Add(2 * time.Second)
	_, hit = c.Get("short")
	assert.False(t, hit)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Misses)
}

func TestArbitraryKeysAreSafeOnDisk(t *testing.T) {
	c := newTestCache(t)

	key := "../../etc/passwd\x00 weird\nkey"
	require.NoError(t, c.Set(key, []byte("v"), time.Minute))
	got, hit := c.Get(key)
	require.True(t, hit)
	assert.Equal(t, []byte("v"), got)
}

func TestDirectoryAndFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix permissions")
	}
	root := t.TempDir()
	c, err := New(root, "perm")
	require.NoError(t, err)
	require.NoError(t, c.Set("k", []byte("v"), time.Minute))

	info, err := os.Stat(filepath.Join(root, "perm"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	err = filepath.Walk(filepath.Join(root, "perm"), func(path string, fi os.FileInfo, err error) error {
		require.NoError(t, err)
		if !fi.IsDir() {
			assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm(), path)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestCorruptEntryIsAMiss(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Set("k", []byte("v"), time.Minute))

	// Truncate the payload under the meta's nose.
	binPath, _ := c.paths("k")
	require.NoError(t, os.WriteFile(binPath, []byte("tampered"), 0o600))

	_, hit := c.Get("k")
	assert.False(t, hit)
}

func TestDeleteAndClear(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Set("a", []byte("1"), time.Minute))
	require.NoError(t, c.Set("b", []byte("2"), time.Minute))

	require.NoError(t, c.Delete("a"))
	_, hit := c.Get("a")
	assert.False(t, hit)
	require.NoError(t, c.Delete("a")) // absent key is fine

	require.NoError(t, c.Clear())
	_, hit = c.Get("b")
	assert.False(t, hit)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestCleanupExpired(t *testing.T) {
	now := time.Now()
	c := newTestCache(t, withClock(func() time.Time { return now }))

	require.NoError(t, c.Set("keep", []byte("1"), time.Hour))
	require.NoError(t, c.Set("drop1", []byte("2"), time.Millisecond))
	require.NoError(t, c.Set("drop2", []byte("3"), time.Millisecond))

	now = now.Add(time.Second)
	removed, err := c.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, hit := c.Get("keep")
	assert.True(t, hit)
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestConcurrentWritersNeverExposePartialEntry(t *testing.T) {
	c := newTestCache(t)

	const writers = 8
	const rounds = 25
	var wg sync.WaitGroup

	// Each writer stores a self-consistent payload; readers must only ever
	// see one of the complete payloads.
	valid := make(map[string]bool)
	for w := 0; w < writers; w++ {
		valid[fmt.Sprintf("writer-%d", w)] = true
	}

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			payload := []byte(fmt.Sprintf("writer-%d", id))
			for i := 0; i < rounds; i++ {
				_ = c.Set("contended", payload, time.Minute)
			}
		}(w)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	for {
		select {
		case <-done:
			got, hit := c.Get("contended")
			require.True(t, hit)
			assert.True(t, valid[string(got)], "final value %q", got)
			return
		default:
			if got, hit := c.Get("contended"); hit {
				assert.True(t, valid[string(got)], "observed partial value %q", got)
			}
		}
	}
}

func TestEncryptionRoundTripAndTamperDetection(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	c := newTestCache(t, WithEncryption(key))

	require.NoError(t, c.Set("secret", []byte("classified"), time.Minute))
	got, hit := c.Get("secret")
	require.True(t, hit)
	assert.Equal(t, []byte("classified"), got)

	// Ciphertext on disk must not contain the plaintext.
	binPath, _ := c.paths("secret")
	raw, err := os.ReadFile(binPath)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "classified")
}

func TestEncryptionRejectsShortKey(t *testing.T) {
	_, err := New(t.TempDir(), "enc", WithEncryption([]byte("short")))
	assert.Error(t, err)
}
