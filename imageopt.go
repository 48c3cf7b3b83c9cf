package imageopt

import (
	"context"
	"path/filepath"
	"strings"
)

// Task is one image to optimize.
type Task struct {
	Input    []byte
	Filename string
}

// Outcome is the terminal record for one Task.
//
// Exactly one of these holds: the image was compressed (or served from
// cache), Filtered is set, or Errors is non-empty. Output equals Input
// unless the image was compressed or served from cache.
type Outcome struct {
	Input    []byte
	Filename string
	Output   []byte
	Warnings []error
	Errors   []error
	Filtered bool
	// Cached is set when Output came from the cache.
	Cached bool
}

// Optimized reports whether Output holds backend or cached output.
func (o *Outcome) Optimized() bool {
	return !o.Filtered && len(o.Errors) == 0 && len(o.Warnings) == 0 && len(o.Input) > 0
}

// Config holds resolved, backend-specific compressor options.
type Config map[string]any

// Backend compresses image bytes. Implementations must be safe for
// concurrent use.
type Backend interface {
	Compress(ctx context.Context, input []byte, cfg Config) ([]byte, error)
	// Version identifies the backend build. It is part of every cache key.
	Version() (string, error)
}

// Cache is a persistent key to bytes store addressed by location.
// Every Get error is treated as a miss.
type Cache interface {
	Get(ctx context.Context, location, key string) ([]byte, error)
	Put(ctx context.Context, location, key string, data []byte) error
}

// ConfigResolver maps a file to its compressor options.
// It must be a pure function of its input.
type ConfigResolver interface {
	Resolve(filename string) Config
}

// ResolverFunc adapts a function to ConfigResolver.
type ResolverFunc func(filename string) Config

func (f ResolverFunc) Resolve(filename string) Config { return f(filename) }

// Static returns a resolver giving every file the same options.
func Static(cfg Config) ConfigResolver {
	return ResolverFunc(func(string) Config { return cfg })
}

// ByExtension returns a resolver keyed by lower-cased file extension
// (including the dot). Unknown extensions resolve to fallback.
func ByExtension(configs map[string]Config, fallback Config) ConfigResolver {
	return ResolverFunc(func(filename string) Config {
		if cfg, ok := configs[strings.ToLower(filepath.Ext(filename))]; ok {
			return cfg
		}
		return fallback
	})
}

// Filter reports whether a task should be processed.
type Filter func(input []byte, filename string) bool
