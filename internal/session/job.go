package session

import (
	"context"
)

// progressBuffer bounds undelivered reports per job. Reports beyond it are
// dropped; a slow reader only misses intermediate ratios.
const progressBuffer = 64

// Job is a load running on its own goroutine.
type Job struct {
	progress chan Progress
	done     chan struct{}
	res      *Result
	err      error
}

// Start runs Load in the background. Reports go to the session's Progress
// sink and to the job's channel, which is closed when the load finishes.
func (s *Session) Start(ctx context.Context, manifestFile string) *Job {
	j := &Job{
		progress: make(chan Progress, progressBuffer),
		done:     make(chan struct{}),
	}
	go func() {
		defer close(j.done)
		defer close(j.progress)
		j.res, j.err = s.load(ctx, manifestFile, func(p Progress) {
			if s.opts.Progress != nil {
				s.opts.Progress(p)
			}
			select {
			case j.progress <- p:
			default:
			}
		})
	}()
	return j
}

// Progress streams reports until the load finishes.
func (j *Job) Progress() <-chan Progress { return j.progress }

// Done is closed when the load has finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the load finishes.
func (j *Job) Wait() (*Result, error) {
	<-j.done
	return j.res, j.err
}
