package chunk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// RetryPolicy bounds how hard a single file is fetched.
type RetryPolicy struct {
	MaxRetries      int           // retries after the first attempt
	InitialInterval time.Duration // first backoff delay, doubled per retry
	MaxInterval     time.Duration // backoff ceiling
	Timeout         time.Duration // per-attempt deadline (0 = none)
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     4 * time.Second,
		Timeout:         30 * time.Second,
	}
}

func isParse(err error) bool   { return errors.Is(err, ErrParse) }
func isMissing(err error) bool { return errors.Is(err, ErrMissing) }

// Load fetches and parses one file. Network failures are retried with
// exponential backoff up to p.MaxRetries; parse errors and missing files fail
// immediately. The returned error is a *FetchError.
func Load(ctx context.Context, f Fetcher, filename string, p RetryPolicy, log zerolog.Logger) (any, error) {
	var body any
	err := retry(ctx, f, filename, p, log, func(data []byte) error {
		v, err := Parse(filename, data)
		body = v
		return err
	})
	return body, err
}

// Read is Load without JSON parsing: it returns the decompressed bytes.
func Read(ctx context.Context, f Fetcher, filename string, p RetryPolicy, log zerolog.Logger) ([]byte, error) {
	var out []byte
	err := retry(ctx, f, filename, p, log, func(data []byte) error {
		raw, err := Decompress(filename, data)
		out = raw
		return err
	})
	return out, err
}

// retry runs fetch-then-decode under the policy. decode errors are permanent.
func retry(ctx context.Context, f Fetcher, filename string, p RetryPolicy, log zerolog.Logger, decode func([]byte) error) error {
	start := time.Now()
	attempts := 0

	op := func() error {
		attempts++
		fetchAttemptsTotal.Inc()

		actx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		data, err := f.Fetch(actx, filename)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if isMissing(err) || isParse(err) {
				return backoff.Permanent(err)
			}
			if !errors.Is(err, ErrNetwork) {
				err = fmt.Errorf("%w: %w", ErrNetwork, err)
			}
			return err
		}
		if err := decode(data); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(p.MaxRetries, 0))), ctx)

	notify := func(err error, wait time.Duration) {
		log.Debug().Err(err).Str("file", filename).Int("attempt", attempts).Dur("backoff", wait).Msg("retrying chunk fetch")
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		fetchFailuresTotal.WithLabelValues(failureKind(err)).Inc()
		return &FetchError{File: filename, Attempts: attempts, Err: err}
	}
	fetchDuration.Observe(time.Since(start).Seconds())
	return nil
}
