package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aweris/imageopt/internal/compression"
	"github.com/aweris/imageopt/internal/fingerprint"
)

// LocalStore is a cache directory on the local filesystem.
type LocalStore struct {
	dir        string
	memory     *lru.Cache[string, []byte]
	compressor *compression.Compressor
}

// Open creates the store layout under dir if needed and returns a handle.
func Open(dir string, opts ...Option) (*LocalStore, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	for _, sub := range []string{indexDir, contentDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", sub, err)
		}
	}

	compressor, err := compression.NewCompressor(o.algorithm, o.level)
	if err != nil {
		return nil, fmt.Errorf("create compressor: %w", err)
	}

	s := &LocalStore{dir: dir, compressor: compressor}
	if o.lruSize > 0 {
		if s.memory, err = lru.New[string, []byte](o.lruSize); err != nil {
			return nil, fmt.Errorf("create memory cache: %w", err)
		}
	}
	return s, nil
}

// Dir returns the store root.
func (s *LocalStore) Dir() string { return s.dir }

// Get returns the bytes stored under key.
func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.memory != nil {
		if data, ok := s.memory.Get(key); ok {
			return bytes.Clone(data), nil
		}
	}

	entry, err := s.readEntry(s.indexPath(key))
	if err != nil {
		return nil, err
	}
	if entry.Key != key {
		// The record belongs to a different key.
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	encoded, err := os.ReadFile(s.contentPath(entry.Digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: content %s", ErrNotFound, entry.Digest)
		}
		return nil, fmt.Errorf("read content: %w", err)
	}

	data, err := s.compressor.Decompress(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode content %s: %w", entry.Digest, err)
	}
	if fingerprint.ContentHash(data) != entry.Digest {
		return nil, fmt.Errorf("%w: %s", ErrIntegrity, entry.Digest)
	}

	if s.memory != nil {
		s.memory.Add(key, bytes.Clone(data))
	}
	return data, nil
}

// Put stores data under key, replacing any previous entry.
func (s *LocalStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	digest := fingerprint.ContentHash(data)

	path := s.contentPath(digest)
	if !s.contentValid(path, digest) {
		encoded, err := s.compressor.Compress(data)
		if err != nil {
			return fmt.Errorf("encode content: %w", err)
		}
		if err := writeFileAtomic(path, encoded); err != nil {
			return fmt.Errorf("write content: %w", err)
		}
	}

	record, err := json.Marshal(Entry{
		Key:    key,
		Digest: digest,
		Size:   int64(len(data)),
		Time:   time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("encode index entry: %w", err)
	}
	if err := writeFileAtomic(s.indexPath(key), record); err != nil {
		return fmt.Errorf("write index entry: %w", err)
	}

	if s.memory != nil {
		s.memory.Add(key, bytes.Clone(data))
	}
	return nil
}

// Has reports whether key has an index record. The content is not verified.
func (s *LocalStore) Has(key string) bool {
	if s.memory != nil && s.memory.Contains(key) {
		return true
	}
	_, err := os.Stat(s.indexPath(key))
	return err == nil
}

// Entries iterates the index records on disk. Unreadable records are skipped.
func (s *LocalStore) Entries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		root := filepath.Join(s.dir, indexDir)
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || isTemp(d.Name()) {
				return nil
			}
			entry, err := s.readEntry(path)
			if err != nil {
				return nil
			}
			if !yield(entry) {
				return filepath.SkipAll
			}
			return nil
		})
	}
}

// Stats counts index records and content blobs.
func (s *LocalStore) Stats() (Stats, error) {
	var stats Stats
	for range s.Entries() {
		stats.Entries++
	}

	root := filepath.Join(s.dir, contentDir)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || isTemp(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		stats.Blobs++
		stats.ContentBytes += info.Size()
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("walk content: %w", err)
	}
	return stats, nil
}

// Clear removes every entry on disk and in memory.
func (s *LocalStore) Clear() error {
	if s.memory != nil {
		s.memory.Purge()
	}
	for _, sub := range []string{indexDir, contentDir} {
		path := filepath.Join(s.dir, sub)
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove %s: %w", sub, err)
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("create %s dir: %w", sub, err)
		}
	}
	return nil
}

// Export returns every index and content file keyed by its slash-separated
// path relative to the store root.
func (s *LocalStore) Export() (map[string][]byte, error) {
	objects := make(map[string][]byte)
	for _, sub := range []string{indexDir, contentDir} {
		root := filepath.Join(s.dir, sub)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || isTemp(d.Name()) {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(s.dir, path)
			if err != nil {
				return err
			}
			objects[filepath.ToSlash(rel)] = data
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", sub, err)
		}
	}
	return objects, nil
}

// Import writes objects produced by Export. Content files are written
// before index files so a concurrent reader never follows a dangling record.
func (s *LocalStore) Import(objects map[string][]byte) (int, error) {
	var index, content []string
	for name := range objects {
		switch {
		case !validObjectName(name):
			return 0, fmt.Errorf("invalid object name %q", name)
		case strings.HasPrefix(name, indexDir+"/"):
			index = append(index, name)
		default:
			content = append(content, name)
		}
	}

	written := 0
	for _, name := range append(content, index...) {
		path := filepath.Join(s.dir, filepath.FromSlash(name))
		if _, err := os.Stat(path); err == nil && strings.HasPrefix(name, contentDir+"/") {
			continue
		}
		if err := writeFileAtomic(path, objects[name]); err != nil {
			return written, fmt.Errorf("import %s: %w", name, err)
		}
		written++
	}
	if s.memory != nil {
		s.memory.Purge()
	}
	return written, nil
}

func (s *LocalStore) Close() error {
	return s.compressor.Close()
}

func (s *LocalStore) readEntry(path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("read index entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("parse index entry: %w", err)
	}
	return entry, nil
}

// contentValid reports whether path holds an entry that decodes to digest.
func (s *LocalStore) contentValid(path, digest string) bool {
	encoded, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	data, err := s.compressor.Decompress(encoded)
	return err == nil && fingerprint.ContentHash(data) == digest
}

func (s *LocalStore) indexPath(key string) string {
	return shard(s.dir, indexDir, fingerprint.ContentHash([]byte(key)))
}

func (s *LocalStore) contentPath(digest string) string {
	return shard(s.dir, contentDir, digest)
}

func isTemp(name string) bool {
	return strings.HasPrefix(name, ".tmp-")
}

// validObjectName accepts index/ab/cd... and content/ab/cd... only.
func validObjectName(name string) bool {
	parts := strings.Split(name, "/")
	if len(parts) != 3 || (parts[0] != indexDir && parts[0] != contentDir) {
		return false
	}
	for _, p := range parts[1:] {
		if p == "" || p == "." || p == ".." || isTemp(p) {
			return false
		}
		for _, r := range p {
			if !strings.ContainsRune("0123456789abcdef", r) {
				return false
			}
		}
	}
	return true
}
