package cmd

import (
	"fmt"
	"os"
	"sync"

	"github.com/agentic-research/taxa/internal/session"
	"github.com/schollz/progressbar/v3"
)

const barMax = 1000

// stageBars draws one progress bar per load stage on stderr.
type stageBars struct {
	mu    sync.Mutex
	stage int
	bar   *progressbar.ProgressBar
}

func (b *stageBars) report(p session.Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bar == nil || p.Stage != b.stage {
		b.finishLocked()
		b.stage = p.Stage
		b.bar = progressbar.NewOptions(barMax,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetWidth(40),
			progressbar.OptionSetDescription(fmt.Sprintf("[%d/%d] %s", p.Stage, p.Stages, p.Label)),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
		)
	}
	b.bar.Describe(fmt.Sprintf("[%d/%d] %s", p.Stage, p.Stages, p.Label))
	_ = b.bar.Set(int(p.Ratio * barMax)) // a broken terminal only loses the bar
}

func (b *stageBars) finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finishLocked()
}

func (b *stageBars) finishLocked() {
	if b.bar != nil && !b.bar.IsFinished() {
		_ = b.bar.Finish()
	}
}

// progressSink returns the sink for the current flags and a func that
// settles the last bar.
func progressSink() (func(session.Progress), func()) {
	if quiet {
		return nil, func() {}
	}
	bars := &stageBars{}
	return bars.report, bars.finish
}
