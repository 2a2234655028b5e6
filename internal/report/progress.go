package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aristath/taskengine/internal/events"
)

// ProgressBar renders counts as a fixed-width bar followed by resolved/total.
func ProgressBar(counts events.Counts, total, width int) string {
	if total <= 0 || width <= 0 {
		return ""
	}

	doneWidth := (counts.Resolved() * width) / total
	failedWidth := (counts.Failed * width) / total
	skippedWidth := ((counts.Blocked + counts.Cancelled) * width) / total
	pendingWidth := width - doneWidth - failedWidth - skippedWidth

	bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, doneWidth)))
	bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
	bar += StyleStatusBlocked.Render(strings.Repeat("x", max(0, skippedWidth)))
	bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

	return fmt.Sprintf("[%s]  %d/%d", bar, counts.Resolved(), total)
}

// Progress writes one line per notable event. Feed it from an event
// subscription; it is not safe for concurrent use.
type Progress struct {
	w     io.Writer
	width int
}

// NewProgress creates a progress writer with a bar of the given width.
func NewProgress(w io.Writer, width int) *Progress {
	if width <= 0 {
		width = 30
	}
	return &Progress{w: w, width: width}
}

// Handle renders a single event.
func (p *Progress) Handle(event events.Event) {
	switch e := event.(type) {
	case events.RunStartedEvent:
		fmt.Fprintf(p.w, "%s %d tasks in %d batches\n", StyleTitle.Render("run "+e.RunID), e.Tasks, e.Batches)
	case events.TaskCompletedEvent:
		if e.Source == events.SourceCache {
			fmt.Fprintf(p.w, "  %s %s (similarity %.2f)\n", StyleStatusCached.Render("cached"), e.ID, e.Similarity)
			return
		}
		fmt.Fprintf(p.w, "  %s %s in %s\n", StyleStatusComplete.Render("done"), e.ID, e.Duration.Round(time.Millisecond))
	case events.TaskFailedEvent:
		fmt.Fprintf(p.w, "  %s %s: %v\n", StyleStatusFailed.Render("failed"), e.ID, e.Err)
	case events.TaskRetryEvent:
		fmt.Fprintf(p.w, "  %s %s attempt %d failed, next in %s\n", StyleStatusRunning.Render("retry"), e.ID, e.Attempt, e.Delay.Round(time.Millisecond))
	case events.TaskBlockedEvent:
		fmt.Fprintf(p.w, "  %s %s by %s\n", StyleStatusBlocked.Render("blocked"), e.ID, strings.Join(e.BlockedBy, ", "))
	case events.BreakerStateEvent:
		fmt.Fprintf(p.w, "  %s %s %s -> %s\n", StyleMuted.Render("breaker"), e.Service, e.From, e.To)
	case events.ProgressEvent:
		fmt.Fprintf(p.w, "%s\n", ProgressBar(e.Counts, e.Total, p.width))
	}
}

// Consume handles events from ch until it is closed.
func (p *Progress) Consume(ch <-chan events.Event) {
	for event := range ch {
		p.Handle(event)
	}
}
