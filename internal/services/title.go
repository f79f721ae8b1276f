package services

import (
	"context"
	"strings"
	"unicode/utf8"
)

// DefaultTitleLength is the rune limit FirstMessageTitle uses when none is given.
const DefaultTitleLength = 48

// FirstMessageTitle names a session after the first line of its first message, shortened to a fixed number
// of runes. It is used when no model is configured for title generation.
type FirstMessageTitle struct {
	maxRunes int
}

// NewFirstMessageTitle creates a FirstMessageTitle. A non-positive maxRunes selects DefaultTitleLength.
func NewFirstMessageTitle(maxRunes int) FirstMessageTitle {
	if maxRunes <= 0 {
		maxRunes = DefaultTitleLength
	}
	return FirstMessageTitle{maxRunes: maxRunes}
}

// GenerateTitle returns the shortened first line of message. It never fails.
func (f FirstMessageTitle) GenerateTitle(_ context.Context, message string) (string, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(message), "\n")
	return truncateRunes(strings.TrimSpace(line), f.maxRunes), nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n])) + "…"
}

// cleanTitle strips what models tend to wrap a title in: surrounding whitespace, quotes, a trailing period and
// any lines after the first.
func cleanTitle(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return strings.Trim(line, " \t\r\"'`*.")
}
