// Package loader materializes whole trees from a manifest: eagerly from every
// shard, as a stub-only skeleton, or from baked flat arrays.
package loader

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/agentic-research/taxa/internal/chunk"
	"github.com/agentic-research/taxa/internal/ingest"
	"github.com/rs/zerolog"
)

const (
	DefaultConcurrencyFloor    = 2
	DefaultConcurrencyCeiling  = 8
	DefaultConcurrencyFallback = 4
)

// ErrTotalLoadFailure means no shard of a manifest could be loaded.
var ErrTotalLoadFailure = errors.New("total load failure")

// PartialLoadError lists the shards that failed in a load that otherwise
// succeeded. It is a warning carried in Result, never returned as the error.
type PartialLoadError struct {
	Total  int
	Failed []string
	Errs   []error
}

func (e *PartialLoadError) Error() string {
	return fmt.Sprintf("%d of %d shards failed: %s", len(e.Failed), e.Total, strings.Join(e.Failed, ", "))
}

func (e *PartialLoadError) Unwrap() []error { return e.Errs }

// ProgressFunc receives coarse progress for one stage of a load.
type ProgressFunc func(stage string, done, total int)

// Config wires a Loader.
type Config struct {
	Cache   *chunk.Cache
	Indexer *ingest.Indexer

	ConcurrencyFloor    int
	ConcurrencyCeiling  int
	ConcurrencyFallback int
	// Parallelism overrides the detected CPU count. 0 detects.
	Parallelism int

	Progress ProgressFunc
	Logger   zerolog.Logger
}

// Loader fetches whole manifests.
type Loader struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config) *Loader {
	if cfg.ConcurrencyFloor <= 0 {
		cfg.ConcurrencyFloor = DefaultConcurrencyFloor
	}
	if cfg.ConcurrencyCeiling < cfg.ConcurrencyFloor {
		cfg.ConcurrencyCeiling = max(DefaultConcurrencyCeiling, cfg.ConcurrencyFloor)
	}
	if cfg.ConcurrencyFallback <= 0 {
		cfg.ConcurrencyFallback = DefaultConcurrencyFallback
	}
	if cfg.Indexer == nil {
		cfg.Indexer = ingest.NewIndexer(ingest.IndexerConfig{Logger: cfg.Logger})
	}
	return &Loader{cfg: cfg, log: cfg.Logger}
}

// Concurrency returns twice the available parallelism clamped to
// [floor, ceiling], or fallback when parallelism is unknown.
func Concurrency(parallelism, floor, ceiling, fallback int) int {
	if parallelism <= 0 {
		return fallback
	}
	return min(max(parallelism*2, floor), ceiling)
}

func (l *Loader) concurrency() int {
	p := l.cfg.Parallelism
	if p == 0 {
		p = runtime.NumCPU()
	}
	return Concurrency(p, l.cfg.ConcurrencyFloor, l.cfg.ConcurrencyCeiling, l.cfg.ConcurrencyFallback)
}

func (l *Loader) progress(stage string, done, total int) {
	if l.cfg.Progress != nil {
		l.cfg.Progress(stage, done, total)
	}
}
