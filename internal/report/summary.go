package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskengine/internal/orchestrator"
	"github.com/aristath/taskengine/internal/scheduler"
)

// Summary renders the outcome of a run as a boxed table.
func Summary(results orchestrator.Results, elapsed time.Duration) string {
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	idWidth := len("task")
	for _, id := range ids {
		idWidth = max(idWidth, lipgloss.Width(id))
	}

	var b strings.Builder
	b.WriteString(StyleHeader.Render(fmt.Sprintf("%-*s  %-9s  %-8s  %8s  %10s", idWidth, "task", "status", "source", "attempts", "duration")))
	b.WriteString("\n")

	for _, id := range ids {
		res := results[id]
		status := fmt.Sprintf("%-9s", res.Status)
		source := string(res.Source)
		if source == "" {
			source = "-"
		}
		fmt.Fprintf(&b, "%-*s  %s  %-8s  %8d  %10s",
			idWidth, id,
			StatusStyle(res.Status).Render(status),
			source,
			res.Attempts,
			res.Duration.Round(time.Millisecond),
		)
		if note := resultNote(res); note != "" {
			b.WriteString("  ")
			b.WriteString(StyleMuted.Render(note))
		}
		b.WriteString("\n")
	}

	counts := results.Counts()
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s succeeded  %s cached  %s failed  %s blocked  %s cancelled  in %s",
		StyleStatusComplete.Render(fmt.Sprint(counts.Succeeded)),
		StyleStatusCached.Render(fmt.Sprint(counts.Cached)),
		StyleStatusFailed.Render(fmt.Sprint(counts.Failed)),
		StyleStatusBlocked.Render(fmt.Sprint(counts.Blocked)),
		StyleStatusPending.Render(fmt.Sprint(counts.Cancelled)),
		elapsed.Round(time.Millisecond),
	)

	return StyleBox.Render(b.String())
}

func resultNote(res orchestrator.TaskResult) string {
	switch res.Status {
	case scheduler.TaskFailed, scheduler.TaskCancelled:
		if res.Err != nil {
			return res.Err.Error()
		}
	case scheduler.TaskBlocked:
		return "blocked by " + strings.Join(res.BlockedBy, ", ")
	case scheduler.TaskCached:
		note := fmt.Sprintf("similarity %.2f", res.Similarity)
		if res.Adapted {
			note += ", adapted"
		}
		return note
	}
	return ""
}
