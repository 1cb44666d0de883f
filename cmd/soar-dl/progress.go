package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/pkgforge/soar-dl/internal/domain"
)

// progressRenderer is the sole consumer of the progress bus. It rewrites
// a single status line while jobs stream and prints one terminal line per
// finished job.
type progressRenderer struct {
	out      io.Writer
	done     chan struct{}
	mu       sync.Mutex
	lineOpen bool
}

func newProgressRenderer(out io.Writer) *progressRenderer {
	return &progressRenderer{out: out, done: make(chan struct{})}
}

func (r *progressRenderer) consume(events <-chan domain.ProgressEvent) {
	defer close(r.done)
	for ev := range events {
		r.render(ev)
	}
	r.clearLine()
}

func (r *progressRenderer) wait() { <-r.done }

func (r *progressRenderer) render(ev domain.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Status {
	case domain.JobStreaming, domain.JobStarting, domain.JobResuming:
		fmt.Fprintf(r.out, "\r\033[K%s  %s", ev.Name, formatBytes(ev.Received, ev.Total))
		r.lineOpen = true
	case domain.JobDone:
		r.finishLine(fmt.Sprintf("%s %s (%s)", color.GreenString("✓"), ev.Name, humanize.Bytes(uint64(ev.Received))))
	case domain.JobSkipped:
		r.finishLine(fmt.Sprintf("%s %s (exists)", color.YellowString("↷"), ev.Name))
	case domain.JobFailed:
		r.finishLine(fmt.Sprintf("%s %s", color.RedString("✗"), ev.Name))
	}
}

func (r *progressRenderer) finishLine(line string) {
	if r.lineOpen {
		fmt.Fprint(r.out, "\r\033[K")
		r.lineOpen = false
	}
	fmt.Fprintln(r.out, line)
}

func (r *progressRenderer) clearLine() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lineOpen {
		fmt.Fprint(r.out, "\r\033[K")
		r.lineOpen = false
	}
}

func formatBytes(received, total int64) string {
	if total <= 0 {
		return humanize.Bytes(uint64(received))
	}
	return fmt.Sprintf("%s / %s (%d%%)",
		humanize.Bytes(uint64(received)),
		humanize.Bytes(uint64(total)),
		received*100/total)
}
