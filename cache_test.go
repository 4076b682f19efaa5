package overpass

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestNoopCacheAlwaysMisses(t *testing.T) {
	c := NoopCache{}
	c.Set("k", Response{"a": 1}, time.Minute)
	_, ok := c.Get("k")
	require.False(t, ok)
}

func TestFileCacheRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := NewFileCache(fs, "/cache")

	c.Set("abc123", Response{"elements": []any{1.0}}, time.Minute)

	resp, ok := c.Get("abc123")
	require.True(t, ok)
	require.Equal(t, []any{1.0}, resp["elements"])
	_, hasExpiration := resp[expirationField]
	require.False(t, hasExpiration)
}

func TestFileCacheMissOnUnknownKey(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := NewFileCache(fs, "/cache")
	_, ok := c.Get("missing")
	require.False(t, ok)
}

func TestFileCacheExpiredEntryIsIgnored(t *testing.T) {
	fs := afero.NewMemMapFs()
	var logs bytes.Buffer
	c := NewFileCache(fs, "/cache", WithFileCacheLogger(zerolog.New(&logs)))

	c.Set("abc123", Response{"elements": []any{}}, time.Nanosecond)
	time.Sleep(time.Millisecond)

	_, ok := c.Get("abc123")
	require.False(t, ok)
	require.Contains(t, logs.String(), "expired cache file")
}

func TestFileCacheMalformedFileIsIgnoredAndLogged(t *testing.T) {
	fs := afero.NewMemMapFs()
	var logs bytes.Buffer
	c := NewFileCache(fs, "/cache", WithFileCacheLogger(zerolog.New(&logs)))

	require.NoError(t, fs.MkdirAll("/cache", 0o755))
	require.NoError(t, afero.WriteFile(fs, c.path("abc123"), []byte("not json"), 0o644))

	_, ok := c.Get("abc123")
	require.False(t, ok)
	require.Contains(t, logs.String(), "malformed cache file")
}

func TestFileCacheZeroTTLDoesNotStore(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := NewFileCache(fs, "/cache")

	c.Set("abc123", Response{"elements": []any{}}, 0)
	_, ok := c.Get("abc123")
	require.False(t, ok)
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	c.Set("abc123", Response{"elements": []any{}}, time.Minute)

	resp, ok := c.Get("abc123")
	require.True(t, ok)
	require.NotNil(t, resp)
}

func TestDisableCacheForcesMiss(t *testing.T) {
	DisableCache()
	defer EnableCache()

	fs := afero.NewMemMapFs()
	c := NewFileCache(fs, "/cache")
	c.Set("abc123", Response{"elements": []any{}}, time.Minute)

	_, ok := c.Get("abc123")
	require.False(t, ok)
}
