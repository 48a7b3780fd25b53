package viewport

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultDebounce       = 150 * time.Millisecond
	DefaultRescanFraction = 0.1
)

// SchedulerConfig tunes viewport-change coalescing.
type SchedulerConfig struct {
	Delay time.Duration
	// RescanFraction skips a scan when the viewport moved and scaled by less
	// than this fraction of its size since the last scan.
	RescanFraction float64
	// OnScan observes every completed scan.
	OnScan func(view Rect, resolved int, err error)
	Logger zerolog.Logger
}

// Scheduler debounces viewport changes into resolver scans. At most one scan
// runs at a time; changes arriving during a scan trigger one follow-up scan.
type Scheduler struct {
	r   *Resolver
	cfg SchedulerConfig
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	timer   *time.Timer
	pending Rect
	last    Rect
	scanned bool
	running bool
	rerun   bool
	closed  bool
}

func NewScheduler(ctx context.Context, r *Resolver, cfg SchedulerConfig) *Scheduler {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDebounce
	}
	if cfg.RescanFraction < 0 {
		cfg.RescanFraction = 0
	}
	s := &Scheduler{r: r, cfg: cfg, log: cfg.Logger}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s
}

// Notify records a viewport change. The scan runs once changes stop
// arriving for the debounce delay.
func (s *Scheduler) Notify(view Rect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = view
	if s.timer == nil {
		s.timer = time.AfterFunc(s.cfg.Delay, s.fire)
		return
	}
	s.timer.Reset(s.cfg.Delay)
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.running {
		s.rerun = true
		s.mu.Unlock()
		return
	}
	view := s.pending
	if s.scanned && near(s.last, view, s.cfg.RescanFraction) {
		s.mu.Unlock()
		scansTotal.WithLabelValues("skipped").Inc()
		return
	}
	s.running = true
	s.last, s.scanned = view, true
	s.wg.Add(1)
	s.mu.Unlock()

	n, err := s.r.ResolveVisible(s.ctx, view)
	s.wg.Done()
	scansTotal.WithLabelValues("ran").Inc()
	s.log.Debug().Int("resolved", n).Err(err).Msg("viewport scan")
	if s.cfg.OnScan != nil {
		s.cfg.OnScan(view, n, err)
	}

	s.mu.Lock()
	s.running = false
	if s.rerun && !s.closed {
		s.rerun = false
		s.timer.Reset(0)
	}
	s.mu.Unlock()
}

// Close stops future scans and waits for a running one to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
