package services

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// DefaultHighlightStyle is the chroma style used for fenced code blocks when none is configured.
const DefaultHighlightStyle = "github"

// Markdown renders assistant answers, which the agent writes in GitHub-flavoured Markdown, into HTML for
// browser consumers. Fenced code blocks are syntax highlighted. Raw HTML in the source is omitted from the
// output.
type Markdown struct {
	md goldmark.Markdown
}

// NewMarkdown creates a Markdown renderer highlighting code with the named chroma style.
func NewMarkdown(style string) Markdown {
	if style == "" {
		style = DefaultHighlightStyle
	}
	return Markdown{
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(highlighting.WithStyle(style)),
			),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
	}
}

// Render converts src to HTML.
func (m Markdown) Render(src string) (string, error) {
	var buf bytes.Buffer
	if err := m.md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return buf.String(), nil
}
