// Package store implements the persistent content-addressed cache.
//
// A store directory is shared by every build that points at it, possibly
// from several processes at once. Entries are written to a temporary file
// and renamed into place, so readers only ever see complete files and
// concurrent writers of one key resolve as last-write-wins.
//
// Storage layout:
//
//	dir/
//	  index/
//	    ab/cd123...   (JSON record: key → content digest)
//	  content/
//	    ef/45678...   (encoded entry bytes, see internal/compression)
//
// Index files are named by the blake3 digest of the key, content files by
// the blake3 digest of the decoded bytes.
package store

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/aweris/imageopt/internal/compression"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrIntegrity = errors.New("store: content digest mismatch")
)

const (
	indexDir   = "index"
	contentDir = "content"

	// DefaultLRUSize is the number of entries kept in memory per store.
	DefaultLRUSize = 256
)

// Entry describes one index record.
type Entry struct {
	Key    string `json:"key"`
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
	Time   int64  `json:"time"`
}

// Stats summarizes a store directory.
type Stats struct {
	Entries      int
	Blobs        int
	ContentBytes int64
}

type options struct {
	algorithm compression.Algorithm
	level     int
	lruSize   int
}

// Option configures Open.
type Option func(*options)

func defaultOptions() *options {
	return &options{
		algorithm: compression.Zstd,
		level:     2,
		lruSize:   DefaultLRUSize,
	}
}

// WithAlgorithm sets the codec used for new entries.
func WithAlgorithm(a compression.Algorithm) Option {
	return func(o *options) { o.algorithm = a }
}

// WithLevel sets the zstd level (1-3).
func WithLevel(level int) Option {
	return func(o *options) { o.level = level }
}

// WithLRUSize sets the in-memory entry cache size. 0 disables it.
func WithLRUSize(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.lruSize = n
		}
	}
}

// writeFileAtomic writes data to path via a temp file in the same directory.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0644); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

// shard returns the git-style sharded path for a hex digest: ab/cd123...
func shard(root, sub, hash string) string {
	if len(hash) < 4 {
		return filepath.Join(root, sub, hash)
	}
	return filepath.Join(root, sub, hash[:2], hash[2:])
}
