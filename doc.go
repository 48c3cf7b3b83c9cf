// Package imageopt optimizes batches of images through a compression
// backend, caching results on disk by content and configuration.
//
// One call to Run processes every task concurrently under a bound and
// returns one Outcome per task, in input order. A failing task never
// fails the batch: its Outcome carries the error (or warning) and the
// original bytes.
//
// Basic usage:
//
//	outcomes, err := imageopt.Run(ctx, tasks, imageopt.Options{
//	    Backend: backend,
//	    Cache:   imageopt.CacheDefault,
//	})
//	if err != nil {
//	    return err // nil backend or a panic; never a per-task failure
//	}
//	for _, o := range outcomes {
//	    switch {
//	    case len(o.Errors) > 0:
//	        // o.Output is o.Input
//	    case o.Filtered:
//	        // skipped by Options.Filter
//	    default:
//	        os.WriteFile(o.Filename, o.Output, 0644)
//	    }
//	}
//
// Cache keys combine the blake3 hash of the input, the resolved compressor
// options and the backend and tool versions, so upgrading either tool or
// changing an option never serves a stale entry.
package imageopt
