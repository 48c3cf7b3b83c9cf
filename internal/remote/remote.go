// Package remote shares cache directories through an OCI registry.
//
// A pushed cache is an image whose layers pack raw store files (see
// store.LocalStore.Export). Layers are grouped by shard prefix and
// zstd-compressed; the image config carries the object count and the
// pack format in its labels.
//
// Upload ordering follows go-containerregistry: layers, then config,
// then manifest.
package remote

import "context"

// Remote moves store objects to and from a registry.
type Remote interface {
	// Push uploads objects, replacing whatever the reference pointed at.
	Push(ctx context.Context, objects map[string][]byte) error

	// Pull downloads every object stored under the reference.
	Pull(ctx context.Context) (map[string][]byte, error)
}
