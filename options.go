package imageopt

import (
	"os"
	"path/filepath"
)

// cacheName names the shared cache directory.
const cacheName = "imageopt"

// CacheSetting selects whether and where results are cached.
// The zero value disables caching.
type CacheSetting struct {
	enabled bool
	dir     string
}

var (
	// CacheDisabled skips every cache lookup and write.
	CacheDisabled = CacheSetting{}
	// CacheDefault caches in the platform's shared cache directory.
	CacheDefault = CacheSetting{enabled: true}
)

// CacheAt caches in dir, used literally. An empty dir disables caching.
func CacheAt(dir string) CacheSetting {
	return CacheSetting{enabled: dir != "", dir: dir}
}

// Enabled reports whether caching is on.
func (c CacheSetting) Enabled() bool { return c.enabled }

// ResolveCacheDir returns the store location for c, or "" when caching is
// disabled. It never fails: when no user cache directory exists it falls
// back to the system temporary directory.
func ResolveCacheDir(c CacheSetting) string {
	switch {
	case !c.enabled:
		return ""
	case c.dir != "":
		return c.dir
	}
	if dir, err := os.UserCacheDir(); err == nil && dir != "" {
		return filepath.Join(dir, cacheName)
	}
	return filepath.Join(os.TempDir(), cacheName)
}

// Options configures Run.
type Options struct {
	// MaxConcurrency bounds in-flight tasks. Values below 1 select the
	// number of CPUs minus one, floored at 1.
	MaxConcurrency int

	Cache CacheSetting

	// Filter, when set, skips tasks for which it returns false. Skipped
	// tasks never touch the cache or the backend.
	Filter Filter

	// Bail records backend failures as errors instead of warnings.
	Bail bool

	// Resolver supplies per-file compressor options. Nil resolves every
	// file to an empty Config.
	Resolver ConfigResolver

	// Backend is required whenever tasks is non-empty.
	Backend Backend

	// Store overrides the on-disk cache implementation.
	Store Cache

	// ToolVersion overrides the tool version embedded in cache keys.
	ToolVersion string
}
