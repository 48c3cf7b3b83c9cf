package imageopt

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyInput = errors.New("imageopt: empty input")
	ErrNoBackend  = errors.New("imageopt: no compression backend configured")
)

// CompressError is recorded on an Outcome when the backend fails.
type CompressError struct {
	Filename string
	Err      error
}

func (e *CompressError) Error() string {
	return fmt.Sprintf("compress %s: %v", e.Filename, e.Err)
}

func (e *CompressError) Unwrap() error { return e.Err }
