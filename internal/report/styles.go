// Package report renders run plans, live progress and run summaries for the
// terminal.
package report

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskengine/internal/scheduler"
)

// Border styles
var (
	StyleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
)

// Status styles
var (
	StyleStatusRunning = lipgloss.NewStyle().
				Foreground(lipgloss.Color("yellow")).
				Bold(true)

	StyleStatusComplete = lipgloss.NewStyle().
				Foreground(lipgloss.Color("green")).
				Bold(true)

	StyleStatusCached = lipgloss.NewStyle().
				Foreground(lipgloss.Color("cyan")).
				Bold(true)

	StyleStatusFailed = lipgloss.NewStyle().
				Foreground(lipgloss.Color("red")).
				Bold(true)

	StyleStatusBlocked = lipgloss.NewStyle().
				Foreground(lipgloss.Color("magenta"))

	StyleStatusPending = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
)

// UI element styles
var (
	StyleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Underline(true)

	StyleMuted = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// StatusStyle returns the style used for a task status.
func StatusStyle(s scheduler.TaskStatus) lipgloss.Style {
	switch s {
	case scheduler.TaskSucceeded:
		return StyleStatusComplete
	case scheduler.TaskCached:
		return StyleStatusCached
	case scheduler.TaskFailed:
		return StyleStatusFailed
	case scheduler.TaskBlocked:
		return StyleStatusBlocked
	case scheduler.TaskRunning, scheduler.TaskScheduled:
		return StyleStatusRunning
	}
	return StyleStatusPending
}
