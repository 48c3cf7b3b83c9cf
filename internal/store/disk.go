package store

import (
	"context"
	"sync"
)

// Disk serves Get and Put for any number of store directories, opening a
// LocalStore per location on first use. The zero value is not usable; call
// NewDisk.
type Disk struct {
	opts   []Option
	stores sync.Map // location -> *openResult
}

type openResult struct {
	once  sync.Once
	store *LocalStore
	err   error
}

// NewDisk returns a Disk whose stores are opened with opts.
func NewDisk(opts ...Option) *Disk {
	return &Disk{opts: opts}
}

// Get returns the bytes stored under key at location.
func (d *Disk) Get(ctx context.Context, location, key string) ([]byte, error) {
	s, err := d.Store(location)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, key)
}

// Put stores data under key at location.
func (d *Disk) Put(ctx context.Context, location, key string, data []byte) error {
	s, err := d.Store(location)
	if err != nil {
		return err
	}
	return s.Put(ctx, key, data)
}

// Store returns the LocalStore for location, opening it once. A failed open
// is remembered for the lifetime of d.
func (d *Disk) Store(location string) (*LocalStore, error) {
	v, _ := d.stores.LoadOrStore(location, &openResult{})
	r := v.(*openResult)
	r.once.Do(func() {
		r.store, r.err = Open(location, d.opts...)
	})
	return r.store, r.err
}

// Close releases every opened store.
func (d *Disk) Close() error {
	var first error
	d.stores.Range(func(_, v any) bool {
		r := v.(*openResult)
		if r.store != nil {
			if err := r.store.Close(); err != nil && first == nil {
				first = err
			}
		}
		return true
	})
	return first
}
