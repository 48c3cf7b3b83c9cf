// Package backend provides compression backends for imageopt.
//
// Registry picks a Codec by the detected MIME type of the input. The
// built-in codecs re-encode JPEG and PNG with the standard library; Exec
// delegates to an external optimizer reading stdin and writing stdout.
package backend

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"

	"github.com/aweris/imageopt"
)

// ErrNoCompressor is returned for inputs no codec is registered for.
var ErrNoCompressor = errors.New("no compressor registered for this input")

// Codec compresses one image format.
type Codec interface {
	Name() string
	Compress(ctx context.Context, input []byte, cfg imageopt.Config) ([]byte, error)
}

// Registry dispatches to codecs by MIME type. It implements imageopt.Backend.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

var _ imageopt.Backend = (*Registry)(nil)

// NewRegistry returns a Registry with the built-in JPEG and PNG codecs.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	r.Register("image/jpeg", JPEG{})
	r.Register("image/png", PNG{})
	return r
}

// Register sets the codec for mime, replacing any previous one.
func (r *Registry) Register(mime string, codec Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[mime] = codec
}

// Lookup returns the codec for input.
func (r *Registry) Lookup(input []byte) (Codec, string, error) {
	mime := DetectType(input)

	r.mu.RLock()
	codec, ok := r.codecs[mime]
	r.mu.RUnlock()
	if !ok {
		return nil, mime, fmt.Errorf("%w (%s)", ErrNoCompressor, mime)
	}
	return codec, mime, nil
}

func (r *Registry) Compress(ctx context.Context, input []byte, cfg imageopt.Config) ([]byte, error) {
	codec, mime, err := r.Lookup(input)
	if err != nil {
		return nil, err
	}
	out, err := codec.Compress(ctx, input, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s (%s): %w", codec.Name(), mime, err)
	}
	return out, nil
}

// versioner is implemented by codecs backed by an external tool.
type versioner interface {
	Version() (string, error)
}

// Version lists the registered codecs and the Go release that built them.
// Codecs with their own version report it as mime=name:version, or
// mime=name:unknown when the lookup fails.
func (r *Registry) Version() (string, error) {
	r.mu.RLock()
	codecs := maps.Clone(r.codecs)
	r.mu.RUnlock()

	entries := make([]string, 0, len(codecs))
	for mime, codec := range codecs {
		entry := mime + "=" + codec.Name()
		if v, ok := codec.(versioner); ok {
			version, err := v.Version()
			if err != nil || version == "" {
				version = "unknown"
			}
			entry += ":" + version
		}
		entries = append(entries, entry)
	}

	slices.Sort(entries)
	return strings.Join(entries, ",") + "@" + runtime.Version(), nil
}

// DetectType returns the MIME type of data without parameters.
func DetectType(data []byte) string {
	mime := mimetype.Detect(data).String()
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return mime
}

type result struct {
	data []byte
	err  error
}

// withContext runs fn in a goroutine and returns early if ctx is done.
func withContext(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resCh := make(chan result, 1)
	go func() {
		data, err := fn()
		resCh <- result{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resCh:
		return res.data, res.err
	}
}

// intOption reads an integer option. YAML, JSON and CBOR decode numbers to
// different Go types, so all of them are accepted.
func intOption(cfg imageopt.Config, name string, def int) (int, error) {
	v, ok := cfg[name]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("option %s: %v is not an integer", name, n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("option %s: unexpected type %T", name, v)
	}
}

func stringOption(cfg imageopt.Config, name, def string) (string, error) {
	v, ok := cfg[name]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("option %s: unexpected type %T", name, v)
	}
	return s, nil
}

func stringsOption(cfg imageopt.Config, name string) ([]string, bool, error) {
	v, ok := cfg[name]
	if !ok || v == nil {
		return nil, false, nil
	}
	switch list := v.(type) {
	case []string:
		return list, true, nil
	case []any:
		out := make([]string, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, true, fmt.Errorf("option %s[%d]: unexpected type %T", name, i, item)
			}
			out[i] = s
		}
		return out, true, nil
	default:
		return nil, true, fmt.Errorf("option %s: unexpected type %T", name, v)
	}
}
