// Package progress renders transfer progress bars for the CLI client.
package progress

import (
	"os"
	"sync"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

var spinner = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Progress is a multi-progress bar group keyed by transfer id.
type Progress struct {
	mu        sync.Mutex
	container *mpb.Progress
	bars      map[int64]*mpb.Bar
}

// NewProgress creates a new progress container writing to stdout.
func NewProgress() *Progress {
	return &Progress{
		container: mpb.New(
			mpb.WithOutput(os.Stdout),
			mpb.WithRefreshRate(150*time.Millisecond),
		),
		bars: make(map[int64]*mpb.Bar),
	}
}

// AddBar adds a bar for the given transfer.
func (g *Progress) AddBar(id int64, description string, size int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.bars[id] = g.container.AddBar(size,
		mpb.BarRemoveOnComplete(),
		mpb.PrependDecorators(
			decor.Spinner(spinner, decor.WCSyncSpaceR),
			decor.Name(description, decor.WCSyncSpaceR),
			decor.CountersKibiByte("%.2f/%.2f", decor.WCSyncSpace),
			decor.Percentage(decor.WCSyncSpace),
		),
		mpb.AppendDecorators(
			decor.EwmaSpeed(decor.SizeB1024(0), "%.2f", 30, decor.WCSyncSpace),
		),
	)
}

// IncrementBar advances the bar for the given transfer.
func (g *Progress) IncrementBar(id int64, n int64, duration time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if bar, ok := g.bars[id]; ok {
		bar.EwmaIncrInt64(n, duration)
	}
}

// CloseBar finishes and removes the bar for the given transfer.
func (g *Progress) CloseBar(id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if bar, ok := g.bars[id]; ok {
		bar.Abort(true)
		delete(g.bars, id)
	}
}

// Wait blocks until every bar has rendered its final state.
func (g *Progress) Wait() {
	g.container.Wait()
}
