package imageopt

// Summary counts outcomes by terminal state.
type Summary struct {
	Total     int
	Optimized int // compressed or served from cache
	Cached    int
	Filtered  int
	Warned    int
	Failed    int

	// Byte totals over optimized outcomes only.
	InputBytes  int64
	OutputBytes int64
}

// Saved returns the bytes saved across optimized outcomes.
func (s Summary) Saved() int64 { return s.InputBytes - s.OutputBytes }

// Summarize aggregates outcomes.
func Summarize(outcomes []Outcome) Summary {
	s := Summary{Total: len(outcomes)}
	for i := range outcomes {
		o := &outcomes[i]
		switch {
		case len(o.Errors) > 0:
			s.Failed++
		case o.Filtered:
			s.Filtered++
		case len(o.Warnings) > 0:
			s.Warned++
		default:
			s.Optimized++
			if o.Cached {
				s.Cached++
			}
			s.InputBytes += int64(len(o.Input))
			s.OutputBytes += int64(len(o.Output))
		}
	}
	return s
}

// HasErrors reports whether any outcome carries an error.
func HasErrors(outcomes []Outcome) bool {
	for i := range outcomes {
		if len(outcomes[i].Errors) > 0 {
			return true
		}
	}
	return false
}
