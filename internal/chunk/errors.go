package chunk

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork marks a fetch that failed or timed out. Retried with backoff.
	ErrNetwork = errors.New("network error")
	// ErrParse marks a malformed chunk body. Never retried.
	ErrParse = errors.New("parse error")
	// ErrMissing marks a file the source does not have. Never retried.
	ErrMissing = errors.New("chunk missing")
)

// FetchError reports a chunk that could not be obtained after all attempts.
type FetchError struct {
	File     string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempt(s): %v", e.File, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
