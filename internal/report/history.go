package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskengine/internal/persistence"
	"github.com/aristath/taskengine/internal/scheduler"
)

const timeLayout = "2006-01-02 15:04:05"

// Runs renders journaled runs, newest first as returned by the store.
func Runs(runs []persistence.RunRecord) string {
	if len(runs) == 0 {
		return StyleMuted.Render("No runs recorded yet.")
	}

	var b strings.Builder
	b.WriteString(StyleHeader.Render(fmt.Sprintf("%-36s  %-19s  %5s  %9s  %6s  %6s  %7s  %10s",
		"run", "started", "tasks", "succeeded", "cached", "failed", "blocked", "duration")))
	b.WriteString("\n")

	for _, r := range runs {
		duration := StyleStatusRunning.Render(fmt.Sprintf("%10s", "running"))
		if r.FinishedAt != nil {
			duration = fmt.Sprintf("%10s", r.Duration.Round(time.Millisecond))
		}
		fmt.Fprintf(&b, "%-36s  %-19s  %5d  %9d  %6d  %6d  %7d  %s\n",
			r.ID,
			r.StartedAt.Local().Format(timeLayout),
			r.Tasks,
			r.Counts.Succeeded,
			r.Counts.Cached,
			r.Counts.Failed,
			r.Counts.Blocked,
			duration,
		)
	}

	return StyleBox.Render(strings.TrimRight(b.String(), "\n"))
}

// TaskRecords renders the per-task outcomes of one run.
func TaskRecords(runID string, recs []persistence.TaskRecord) string {
	if len(recs) == 0 {
		return StyleMuted.Render("No task records for run " + runID + ".")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", StyleTitle.Render("run "+runID))

	for _, r := range recs {
		status := fmt.Sprintf("%-9s", r.Status)
		fmt.Fprintf(&b, "%-24s  %s  %-8s  %3d  %10s",
			r.TaskID,
			statusStyleFor(r.Status).Render(status),
			r.Source,
			r.Attempts,
			r.Duration.Round(time.Millisecond),
		)
		switch {
		case r.Error != "":
			b.WriteString("  " + StyleMuted.Render(r.Error))
		case len(r.BlockedBy) > 0:
			b.WriteString("  " + StyleMuted.Render("blocked by "+strings.Join(r.BlockedBy, ", ")))
		case r.Status == scheduler.TaskCached.String():
			note := fmt.Sprintf("similarity %.2f", r.Similarity)
			if r.Adapted {
				note += ", adapted"
			}
			b.WriteString("  " + StyleMuted.Render(note))
		}
		b.WriteString("\n")
	}

	return StyleBox.Render(strings.TrimRight(b.String(), "\n"))
}

func statusStyleFor(label string) lipgloss.Style {
	for s := scheduler.TaskPending; s <= scheduler.TaskCancelled; s++ {
		if s.String() == label {
			return StatusStyle(s)
		}
	}
	return StyleStatusPending
}
