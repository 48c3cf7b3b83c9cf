package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

const (
	DefaultConcurrency = 4

	labelFormat  = "dev.imageopt.cache.format"
	labelObjects = "dev.imageopt.cache.objects"
	packFormat   = "v1"

	maxAttempts = 3
)

var _ Remote = (*OCIRemote)(nil)

// OCIRemote stores a cache as an image under one reference.
type OCIRemote struct {
	ref         name.Reference
	auth        Authenticator
	concurrency int
}

// NewOCIRemote creates a remote from a Docker-style ref (e.g. "ghcr.io/acme/imageopt-cache:main").
// A nil auth falls back to the default keychain.
func NewOCIRemote(imageRef string, auth Authenticator) (*OCIRemote, error) {
	ref, err := name.ParseReference(imageRef, name.WithDefaultTag("latest"))
	if err != nil {
		return nil, fmt.Errorf("invalid image ref %q: %w", imageRef, err)
	}
	return &OCIRemote{ref: ref, auth: auth, concurrency: DefaultConcurrency}, nil
}

// SetConcurrency sets the number of parallel layer transfers.
func (r *OCIRemote) SetConcurrency(n int) {
	if n > 0 {
		r.concurrency = n
	}
}

func (r *OCIRemote) String() string   { return r.ref.String() }
func (r *OCIRemote) Registry() string { return r.ref.Context().RegistryStr() }

// blobLayer is a zstd-compressed packed layer held in memory.
type blobLayer struct {
	compressed   []byte
	uncompressed []byte
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

func newBlobLayer(data []byte) *blobLayer {
	return &blobLayer{
		compressed:   zstdEncoder.EncodeAll(data, nil),
		uncompressed: data,
	}
}

func (l *blobLayer) Digest() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.compressed))
	return h, err
}

func (l *blobLayer) DiffID() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.uncompressed))
	return h, err
}

func (l *blobLayer) Compressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.compressed)), nil
}
func (l *blobLayer) Uncompressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.uncompressed)), nil
}
func (l *blobLayer) Size() (int64, error)                { return int64(len(l.compressed)), nil }
func (l *blobLayer) MediaType() (types.MediaType, error) { return types.OCILayerZStd, nil }

// Push packs objects into layers and writes them as a single image.
func (r *OCIRemote) Push(ctx context.Context, objects map[string][]byte) error {
	log := zerolog.Ctx(ctx).With().Str("ref", r.String()).Logger()

	byPrefix := GroupByPrefix(objects)
	plan := BuildLayerPlan(PrefixSizes(byPrefix))
	log.Debug().
		Int("objects", len(objects)).
		Int("prefixes", len(byPrefix)).
		Int("layers", len(plan)).
		Msg("packing cache")

	layers := make([]v1.Layer, 0, len(plan))
	var totalRaw, totalCompressed int64
	for _, group := range plan {
		layer := newBlobLayer(PackLayer(collect(group, byPrefix)))
		totalRaw += int64(len(layer.uncompressed))
		totalCompressed += int64(len(layer.compressed))
		layers = append(layers, layer)
	}

	img, err := r.buildImage(layers, len(objects))
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}

	log.Info().
		Int("layers", len(layers)).
		Int64("raw_bytes", totalRaw).
		Int64("compressed_bytes", totalCompressed).
		Msg("uploading cache")

	options := append(r.remoteOptions(ctx), remote.WithJobs(r.concurrency))
	_, err = retry(ctx, maxAttempts, func() (struct{}, error) {
		return struct{}{}, remote.Write(r.ref, img, options...)
	})
	if err != nil {
		return fmt.Errorf("push image: %w", err)
	}
	return nil
}

func (r *OCIRemote) buildImage(layers []v1.Layer, count int) (v1.Image, error) {
	img := empty.Image
	if len(layers) > 0 {
		var err error
		if img, err = mutate.AppendLayers(img, layers...); err != nil {
			return nil, err
		}
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}
	cfg = cfg.DeepCopy()
	cfg.Config.Labels = map[string]string{
		labelFormat:  packFormat,
		labelObjects: strconv.Itoa(count),
	}
	return mutate.ConfigFile(img, cfg)
}

// Pull fetches the image and unpacks its layers in parallel.
func (r *OCIRemote) Pull(ctx context.Context) (map[string][]byte, error) {
	log := zerolog.Ctx(ctx).With().Str("ref", r.String()).Logger()

	img, err := retry(ctx, maxAttempts, func() (v1.Image, error) {
		return remote.Image(r.ref, r.remoteOptions(ctx)...)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}
	if format := cfg.Config.Labels[labelFormat]; format != packFormat {
		return nil, fmt.Errorf("unsupported cache format %q", format)
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("get layers: %w", err)
	}
	log.Debug().Int("layers", len(layers)).Msg("downloading cache")

	var mu sync.Mutex
	objects := make(map[string][]byte)

	p := pool.New().WithMaxGoroutines(r.concurrency).WithContext(ctx).WithCancelOnError()
	for _, layer := range layers {
		p.Go(func(ctx context.Context) error {
			data, err := retry(ctx, maxAttempts, func() ([]byte, error) {
				return readLayer(layer)
			})
			if err != nil {
				return err
			}
			unpacked, err := UnpackLayer(data)
			if err != nil {
				return fmt.Errorf("unpack layer: %w", err)
			}

			mu.Lock()
			for k, v := range unpacked {
				objects[k] = v
			}
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	log.Info().Int("objects", len(objects)).Msg("cache downloaded")
	return objects, nil
}

// readLayer returns the decompressed layer bytes.
func readLayer(layer v1.Layer) ([]byte, error) {
	rc, err := layer.Compressed()
	if err != nil {
		return nil, fmt.Errorf("read layer: %w", err)
	}
	compressed, err := io.ReadAll(rc)
	if cerr := rc.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("read layer: %w", err)
	}
	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress layer: %w", err)
	}
	return data, nil
}

func (r *OCIRemote) remoteOptions(ctx context.Context) []remote.Option {
	options := []remote.Option{remote.WithContext(ctx)}
	if r.auth != nil {
		username, password, err := r.auth.Authenticate(r.Registry())
		if err == nil && username != "" {
			return append(options, remote.WithAuth(&authn.Basic{
				Username: username,
				Password: password,
			}))
		}
	}
	return append(options, remote.WithAuthFromKeychain(authn.DefaultKeychain))
}

func retry[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := range maxAttempts {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if i < maxAttempts-1 {
			delay := time.Duration(1<<i) * 500 * time.Millisecond // 500ms, 1s, 2s...
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return zero, lastErr
}
