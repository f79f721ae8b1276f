package main

import (
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

const historyWrapWidth = 100

var (
	primary = lipgloss.Color("#7C3AED")
	accent  = lipgloss.Color("#10B981")
	danger  = lipgloss.Color("#EF4444")
	muted   = lipgloss.Color("#6B7280")

	userLabel = lipgloss.NewStyle().
			Foreground(primary).
			Bold(true)

	assistantLabel = lipgloss.NewStyle().
			Foreground(accent).
			Bold(true)

	statusLine = lipgloss.NewStyle().
			Foreground(muted).
			Italic(true)

	errorLine = lipgloss.NewStyle().
			Foreground(danger)
)

// renderMarkdown renders a stored answer for the terminal. On failure the source is returned as is.
func renderMarkdown(content string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(historyWrapWidth),
	)
	if err != nil {
		return content
	}
	out, err := r.Render(content)
	if err != nil {
		return content
	}
	return out
}
