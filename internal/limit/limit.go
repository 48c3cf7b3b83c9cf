// Package limit bounds the number of units of work running at once.
//
// Submissions beyond the bound block the submitter until a running unit
// returns, so a single submitting goroutine gets FIFO admission into the
// running set. Completion order is unconstrained.
package limit

import (
	"runtime"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
)

// DefaultConcurrency is the number of CPUs minus one, floored at 1.
func DefaultConcurrency() int {
	return max(1, runtime.NumCPU()-1)
}

// Limiter runs units of work with at most Size() of them in flight.
// A Limiter is single-use: after Wait returns, create a new one.
type Limiter struct {
	pool    *pool.Pool
	catcher panics.Catcher
	size    int
}

// New returns a Limiter admitting n concurrent units. n < 1 selects
// DefaultConcurrency.
func New(n int) *Limiter {
	if n < 1 {
		n = DefaultConcurrency()
	}
	return &Limiter{
		pool: pool.New().WithMaxGoroutines(n),
		size: n,
	}
}

// Size returns the concurrency bound.
func (l *Limiter) Size() int { return l.size }

// Go schedules fn. It blocks while all slots are busy.
// A panic in fn is recovered so the remaining units keep running;
// the first one is reported by Wait.
func (l *Limiter) Go(fn func()) {
	l.pool.Go(func() {
		l.catcher.Try(fn)
	})
}

// Wait blocks until every scheduled unit has returned.
func (l *Limiter) Wait() error {
	l.pool.Wait()
	if r := l.catcher.Recovered(); r != nil {
		return r.AsError()
	}
	return nil
}
