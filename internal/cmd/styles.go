package cmd

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

// maxLineWidth bounds agent-supplied text in event lines.
const maxLineWidth = 160

var (
	primaryColor   = lipgloss.Color("#A78BFA") // Purple
	secondaryColor = lipgloss.Color("#10B981") // Green
	warningColor   = lipgloss.Color("#F59E0B") // Amber
	errorColor     = lipgloss.Color("#F87171") // Red
	mutedColor     = lipgloss.Color("#9CA3AF") // Gray

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	successStyle = lipgloss.NewStyle().Foreground(secondaryColor)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	labelStyle   = lipgloss.NewStyle().Bold(true)
)

// statusStyle colors a run or task status.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "completed":
		return successStyle.Bold(true)
	case "failed":
		return errorStyle.Bold(true)
	case "interrupted", "paused", "blocked":
		return warningStyle.Bold(true)
	case "in_progress", "executing":
		return titleStyle
	default:
		return mutedStyle
	}
}

// shortID trims ULIDs and UUIDs for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncate keeps the first line of s, cut to width columns with "..." when
// it is longer. Escape sequences in agent output are preserved.
func truncate(s string, width int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if width <= 3 {
		return "..."
	}
	if lipgloss.Width(s) <= width {
		return s
	}
	return ansi.Truncate(s, width, "...")
}
