package overpass

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Cache associates a query's cache_key with a previously decoded response
// and its expiration. Implementations must be safe for
// concurrent use.
type Cache interface {
	// Get returns the cached response for key and true, or (nil, false) on
	// a miss, expiration, or any read/decode failure.
	Get(key string) (Response, bool)
	// Set stores response under key for ttl. ttl <= 0 is a no-op.
	Set(key string, response Response, ttl time.Duration)
}

// expirationField is the envelope field the default cache implementations
// stamp onto a stored response alongside its data.
const expirationField = "__expiration__"

// forceDisableMu guards the process-wide cache kill-switch.
var (
	forceDisableMu  sync.RWMutex
	forceDisableSet bool
)

// DisableCache force-disables every Cache in this process: Get always
// misses and Set is a no-op, regardless of what the caller constructed.
// Intended for CI, where hitting a stale fixture cache would mask a real
// regression.
func DisableCache() {
	forceDisableMu.Lock()
	defer forceDisableMu.Unlock()
	forceDisableSet = true
}

// EnableCache reverses DisableCache.
func EnableCache() {
	forceDisableMu.Lock()
	defer forceDisableMu.Unlock()
	forceDisableSet = false
}

// ForceDisabled reports whether the process-wide kill-switch is active,
// either because DisableCache was called or because the process looks
// like a CI run (GITHUB_ACTIONS set, and not itself a Go test binary).
func ForceDisabled() bool {
	forceDisableMu.RLock()
	defer forceDisableMu.RUnlock()
	if forceDisableSet {
		return true
	}
	return isCI() && !isUnitTest()
}

func isCI() bool {
	_, ok := os.LookupEnv("GITHUB_ACTIONS")
	return ok
}

func isUnitTest() bool {
	return testing.Testing()
}

// NoopCache always misses and never stores anything. It's the Cache a
// DefaultRunner falls back to when none is configured, so runner code never
// has to nil-check its cache.
type NoopCache struct{}

var _ Cache = NoopCache{}

func (NoopCache) Get(string) (Response, bool)     { return nil, false }
func (NoopCache) Set(string, Response, time.Duration) {}

// FileCache stores one file per cache key under a directory on fs.
// Using afero rather than os directly keeps this backend testable against
// an in-memory filesystem without touching disk.
type FileCache struct {
	fs     afero.Fs
	dir    string
	logger zerolog.Logger
}

var _ Cache = (*FileCache)(nil)

// FileCacheOption configures a FileCache at construction time.
type FileCacheOption func(*FileCache)

// WithFileCacheLogger attaches a logger for malformed/expired cache file
// events. Nop by default.
func WithFileCacheLogger(logger zerolog.Logger) FileCacheOption {
	return func(c *FileCache) {
		c.logger = logger
	}
}

// NewFileCache returns a FileCache rooted at dir on fs. dir is created on
// first write if it doesn't already exist.
func NewFileCache(fs afero.Fs, dir string, opts ...FileCacheOption) *FileCache {
	c := &FileCache{fs: fs, dir: dir, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *FileCache) path(key string) string {
	return filepath.Join(c.dir, key)
}

func (c *FileCache) Get(key string) (Response, bool) {
	if ForceDisabled() {
		return nil, false
	}

	data, err := afero.ReadFile(c.fs, c.path(key))
	if err != nil {
		return nil, false
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		c.logger.Warn().Str("cache_key", key).Err(err).Msg("ignoring malformed cache file")
		return nil, false
	}

	expiration, ok := resp[expirationField].(float64)
	if !ok || int64(expiration) <= time.Now().Unix() {
		if !ok {
			c.logger.Warn().Str("cache_key", key).Msg("ignoring malformed cache file: missing expiration field")
		} else {
			c.logger.Debug().Str("cache_key", key).Msg("ignoring expired cache file")
		}
		return nil, false
	}

	delete(resp, expirationField)
	return resp, true
}

func (c *FileCache) Set(key string, response Response, ttl time.Duration) {
	if ttl <= 0 || ForceDisabled() {
		return
	}

	stamped := make(Response, len(response)+1)
	for k, v := range response {
		stamped[k] = v
	}
	stamped[expirationField] = time.Now().Add(ttl).Unix()

	data, err := json.Marshal(stamped)
	if err != nil {
		return
	}

	if err := c.fs.MkdirAll(c.dir, 0o755); err != nil {
		return
	}
	_ = afero.WriteFile(c.fs, c.path(key), data, 0o644)
}

// MemoryCache is a Cache backed by an in-process TTL map, for callers who
// want result caching without any filesystem access (e.g. short-lived CLI
// invocations, or unit tests of a Runner).
type MemoryCache struct {
	inner *gocache.Cache
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache returns a MemoryCache that expires entries at their
// individually-set TTL and sweeps expired entries every cleanupInterval.
func NewMemoryCache(cleanupInterval time.Duration) *MemoryCache {
	return &MemoryCache{inner: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

func (c *MemoryCache) Get(key string) (Response, bool) {
	if ForceDisabled() {
		return nil, false
	}

	v, ok := c.inner.Get(key)
	if !ok {
		return nil, false
	}
	resp, ok := v.(Response)
	return resp, ok
}

func (c *MemoryCache) Set(key string, response Response, ttl time.Duration) {
	if ttl <= 0 || ForceDisabled() {
		return
	}
	c.inner.Set(key, response, ttl)
}
