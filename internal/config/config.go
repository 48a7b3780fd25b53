// Package config holds the tunables of a load session.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Load modes for path manifests. Baked and inline-lazy manifests are
// recognized by shape regardless of mode.
const (
	ModeAuto  = "auto"
	ModeEager = "eager"
	ModeLazy  = "lazy"
)

// Config is the full set of session tunables.
type Config struct {
	Mode string

	ConcurrencyFloor    int
	ConcurrencyCeiling  int
	ConcurrencyFallback int
	ResolverConcurrency int

	FetchTimeout   time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	YieldBudget   time.Duration
	ProgressEvery int
	MaxNameLen    int

	StubMargin     float64
	PrewarmMargin  float64
	Debounce       time.Duration
	RescanFraction float64

	// CacheSize bounds the chunk cache in entries; 0 is unbounded.
	CacheSize int
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Mode:                ModeAuto,
		ConcurrencyFloor:    2,
		ConcurrencyCeiling:  8,
		ConcurrencyFallback: 4,
		ResolverConcurrency: 3,
		FetchTimeout:        30 * time.Second,
		MaxRetries:          3,
		BackoffInitial:      250 * time.Millisecond,
		BackoffMax:          4 * time.Second,
		YieldBudget:         20 * time.Millisecond,
		ProgressEvery:       10000,
		MaxNameLen:          100,
		StubMargin:          1.5,
		PrewarmMargin:       2.5,
		Debounce:            150 * time.Millisecond,
		RescanFraction:      0.1,
		CacheSize:           512,
	}
}

// file mirrors Config in HCL. Durations are strings ("250ms", "30s").
// Attributes left out of the file keep the values they were seeded with.
type file struct {
	Mode                string  `hcl:"mode,optional"`
	ConcurrencyFloor    int     `hcl:"concurrency_floor,optional"`
	ConcurrencyCeiling  int     `hcl:"concurrency_ceiling,optional"`
	ConcurrencyFallback int     `hcl:"concurrency_fallback,optional"`
	ResolverConcurrency int     `hcl:"resolver_concurrency,optional"`
	FetchTimeout        string  `hcl:"fetch_timeout,optional"`
	MaxRetries          int     `hcl:"max_retries,optional"`
	BackoffInitial      string  `hcl:"backoff_initial,optional"`
	BackoffMax          string  `hcl:"backoff_max,optional"`
	YieldBudget         string  `hcl:"yield_budget,optional"`
	ProgressEvery       int     `hcl:"progress_every,optional"`
	MaxNameLen          int     `hcl:"max_name_len,optional"`
	StubMargin          float64 `hcl:"stub_margin,optional"`
	PrewarmMargin       float64 `hcl:"prewarm_margin,optional"`
	Debounce            string  `hcl:"debounce,optional"`
	RescanFraction      float64 `hcl:"rescan_fraction,optional"`
	CacheSize           int     `hcl:"cache_size,optional"`
}

// LoadFile overlays the HCL file at path onto base.
func LoadFile(path string, base Config) (Config, error) {
	f := file{
		Mode:                base.Mode,
		ConcurrencyFloor:    base.ConcurrencyFloor,
		ConcurrencyCeiling:  base.ConcurrencyCeiling,
		ConcurrencyFallback: base.ConcurrencyFallback,
		ResolverConcurrency: base.ResolverConcurrency,
		FetchTimeout:        base.FetchTimeout.String(),
		MaxRetries:          base.MaxRetries,
		BackoffInitial:      base.BackoffInitial.String(),
		BackoffMax:          base.BackoffMax.String(),
		YieldBudget:         base.YieldBudget.String(),
		ProgressEvery:       base.ProgressEvery,
		MaxNameLen:          base.MaxNameLen,
		StubMargin:          base.StubMargin,
		PrewarmMargin:       base.PrewarmMargin,
		Debounce:            base.Debounce.String(),
		RescanFraction:      base.RescanFraction,
		CacheSize:           base.CacheSize,
	}
	if err := hclsimple.DecodeFile(path, nil, &f); err != nil {
		return base, fmt.Errorf("load config %s: %w", path, err)
	}

	out := Config{
		Mode:                f.Mode,
		ConcurrencyFloor:    f.ConcurrencyFloor,
		ConcurrencyCeiling:  f.ConcurrencyCeiling,
		ConcurrencyFallback: f.ConcurrencyFallback,
		ResolverConcurrency: f.ResolverConcurrency,
		MaxRetries:          f.MaxRetries,
		ProgressEvery:       f.ProgressEvery,
		MaxNameLen:          f.MaxNameLen,
		StubMargin:          f.StubMargin,
		PrewarmMargin:       f.PrewarmMargin,
		RescanFraction:      f.RescanFraction,
		CacheSize:           f.CacheSize,
	}
	durations := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"fetch_timeout", f.FetchTimeout, &out.FetchTimeout},
		{"backoff_initial", f.BackoffInitial, &out.BackoffInitial},
		{"backoff_max", f.BackoffMax, &out.BackoffMax},
		{"yield_budget", f.YieldBudget, &out.YieldBudget},
		{"debounce", f.Debounce, &out.Debounce},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.src)
		if err != nil {
			return base, fmt.Errorf("load config %s: %s: %w", path, d.name, err)
		}
		*d.dst = v
	}
	return out, out.Validate()
}

// Validate reports every out-of-range field.
func (c Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeAuto, ModeEager, ModeLazy:
	default:
		errs = append(errs, fmt.Errorf("mode %q: want auto, eager or lazy", c.Mode))
	}
	if c.ConcurrencyFloor < 1 {
		errs = append(errs, errors.New("concurrency_floor must be at least 1"))
	}
	if c.ConcurrencyCeiling < c.ConcurrencyFloor {
		errs = append(errs, errors.New("concurrency_ceiling must not be below concurrency_floor"))
	}
	if c.ConcurrencyFallback < 1 {
		errs = append(errs, errors.New("concurrency_fallback must be at least 1"))
	}
	if c.ResolverConcurrency < 3 {
		errs = append(errs, errors.New("resolver_concurrency must be at least 3"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must not be negative"))
	}
	if c.FetchTimeout < 0 || c.BackoffInitial < 0 || c.BackoffMax < c.BackoffInitial {
		errs = append(errs, errors.New("fetch timeout and backoff intervals must be non-negative with backoff_max >= backoff_initial"))
	}
	if c.YieldBudget <= 0 {
		errs = append(errs, errors.New("yield_budget must be positive"))
	}
	if c.MaxNameLen < 1 {
		errs = append(errs, errors.New("max_name_len must be at least 1"))
	}
	if c.StubMargin < 1 || c.PrewarmMargin < c.StubMargin {
		errs = append(errs, errors.New("margins must satisfy 1 <= stub_margin <= prewarm_margin"))
	}
	if c.RescanFraction < 0 || c.RescanFraction >= 1 {
		errs = append(errs, errors.New("rescan_fraction must be in [0, 1)"))
	}
	if c.CacheSize < 0 {
		errs = append(errs, errors.New("cache_size must not be negative"))
	}
	return errors.Join(errs...)
}
