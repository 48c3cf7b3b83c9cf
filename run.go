package imageopt

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/aweris/imageopt/internal/fingerprint"
	"github.com/aweris/imageopt/internal/limit"
	"github.com/aweris/imageopt/internal/store"
	"github.com/aweris/imageopt/internal/version"
)

var errEmptyOutput = errors.New("backend returned empty output")

// Run optimizes tasks and returns one Outcome per task, in input order.
//
// Per-task failures are recorded on the Outcome and never fail the batch.
// The returned error is non-nil only when opts has no Backend or a task
// panicked. Logs go to the zerolog logger attached to ctx, if any.
func Run(ctx context.Context, tasks []Task, opts Options) ([]Outcome, error) {
	if len(tasks) == 0 {
		return []Outcome{}, nil
	}
	if opts.Backend == nil {
		return nil, ErrNoBackend
	}

	r := newRunner(ctx, opts)
	defer r.close()

	lim := limit.New(opts.MaxConcurrency)
	r.log.Debug().
		Int("tasks", len(tasks)).
		Int("concurrency", lim.Size()).
		Str("cache_dir", r.cacheDir).
		Msg("batch started")

	outcomes := make([]Outcome, len(tasks))
	for i, task := range tasks {
		lim.Go(func() {
			outcomes[i] = r.process(ctx, task)
		})
	}
	err := lim.Wait()
	if rec := r.writes.WaitAndRecover(); rec != nil {
		r.log.Warn().Str("panic", rec.String()).Msg("cache write panicked")
	}

	if err != nil {
		return nil, fmt.Errorf("imageopt: task panicked: %w", err)
	}

	s := Summarize(outcomes)
	r.log.Debug().
		Int("optimized", s.Optimized).
		Int("cached", s.Cached).
		Int("filtered", s.Filtered).
		Int("warned", s.Warned).
		Int("failed", s.Failed).
		Msg("batch finished")
	return outcomes, nil
}

// runner holds the state shared by every task of one Run.
type runner struct {
	opts  Options
	log   zerolog.Logger
	store Cache
	owned *store.Disk

	// Empty when caching is disabled.
	cacheDir       string
	backendVersion string
	toolVersion    string

	// writes tracks detached cache writes.
	writes conc.WaitGroup
}

func newRunner(ctx context.Context, opts Options) *runner {
	r := &runner{
		opts: opts,
		log:  zerolog.Ctx(ctx).With().Str("run_id", uuid.NewString()).Logger(),
	}

	r.cacheDir = ResolveCacheDir(opts.Cache)
	if r.cacheDir == "" {
		return r
	}

	r.store = opts.Store
	if r.store == nil {
		r.owned = store.NewDisk()
		r.store = r.owned
	}

	r.backendVersion = version.Unknown
	if v, err := opts.Backend.Version(); err != nil {
		r.log.Debug().Err(err).Msg("backend version unavailable")
	} else if v != "" {
		r.backendVersion = v
	}

	r.toolVersion = opts.ToolVersion
	if r.toolVersion == "" {
		r.toolVersion = version.Short()
	}
	return r
}

func (r *runner) close() {
	if r.owned != nil {
		if err := r.owned.Close(); err != nil {
			r.log.Debug().Err(err).Msg("close cache store")
		}
	}
}

// process runs one task to its terminal state.
func (r *runner) process(ctx context.Context, task Task) Outcome {
	out := Outcome{
		Input:    task.Input,
		Filename: task.Filename,
		Output:   task.Input,
	}

	if len(task.Input) == 0 {
		out.Errors = append(out.Errors, ErrEmptyInput)
		return out
	}

	if r.opts.Filter != nil && !r.opts.Filter(task.Input, task.Filename) {
		out.Filtered = true
		return out
	}

	cfg := r.resolve(task.Filename)
	log := r.log.With().Str("file", task.Filename).Logger()

	var key string
	if r.cacheDir != "" {
		var err error
		if key, err = fingerprint.Key(task.Input, cfg, r.backendVersion, r.toolVersion); err != nil {
			log.Warn().Err(err).Msg("cannot fingerprint options, skipping cache")
		} else if cached, err := r.store.Get(ctx, r.cacheDir, key); err == nil && len(cached) > 0 {
			log.Debug().Msg("cache hit")
			out.Output = cached
			out.Cached = true
			return out
		} else {
			log.Debug().AnErr("reason", err).Msg("cache miss")
		}
	}

	output, err := r.opts.Backend.Compress(ctx, task.Input, cfg)
	if err == nil && len(output) == 0 {
		err = errEmptyOutput
	}
	if err != nil {
		failure := &CompressError{Filename: task.Filename, Err: err}
		if r.opts.Bail {
			log.Error().Err(err).Msg("compression failed")
			out.Errors = append(out.Errors, failure)
		} else {
			log.Warn().Err(err).Msg("compression failed")
			out.Warnings = append(out.Warnings, failure)
		}
		return out
	}

	out.Output = output
	if key != "" {
		r.put(ctx, log, key, output)
	}
	return out
}

func (r *runner) resolve(filename string) Config {
	if r.opts.Resolver == nil {
		return Config{}
	}
	cfg := r.opts.Resolver.Resolve(filename)
	if cfg == nil {
		return Config{}
	}
	return cfg
}

// put writes output to the cache without holding the task's slot.
// Its errors are logged and otherwise dropped.
func (r *runner) put(ctx context.Context, log zerolog.Logger, key string, output []byte) {
	ctx = context.WithoutCancel(ctx)
	r.writes.Go(func() {
		if err := r.store.Put(ctx, r.cacheDir, key, output); err != nil {
			log.Warn().Err(err).Msg("cache write failed")
		}
	})
}
