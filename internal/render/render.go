// Package render converts raw assistant text into the markup a pane displays.
package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/x/ansi"
)

// Converter turns raw streamed text into trusted display markup.
// Implementations must be free of side effects visible to callers.
type Converter interface {
	Render(raw string) (string, error)
}

// Func adapts a plain function to Converter
type Func func(raw string) (string, error)

// Render implements Converter
func (f Func) Render(raw string) (string, error) {
	return f(raw)
}

// Sanitize removes terminal control sequences from backend or user text so the
// only escapes in rendered output are the ones the renderer itself emits.
func Sanitize(raw string) string {
	return ansi.Strip(raw)
}

// Plain renders text verbatim after sanitizing it
type Plain struct{}

// Render implements Converter
func (Plain) Render(raw string) (string, error) {
	return Sanitize(raw), nil
}

// Markdown renders markdown to styled terminal output with glamour
type Markdown struct {
	renderer *glamour.TermRenderer
}

// NewMarkdown creates a markdown converter. style is "auto" to detect the
// terminal background, a built-in glamour style name, or a style file path.
func NewMarkdown(style string, wordWrap int) (*Markdown, error) {
	styleOpt := glamour.WithAutoStyle()
	if style != "" && style != "auto" {
		styleOpt = glamour.WithStylePath(style)
	}

	renderer, err := glamour.NewTermRenderer(
		styleOpt,
		glamour.WithWordWrap(wordWrap),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create markdown renderer: %w", err)
	}
	return &Markdown{renderer: renderer}, nil
}

// Render implements Converter
func (m *Markdown) Render(raw string) (string, error) {
	out, err := m.renderer.Render(Sanitize(raw))
	if err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return strings.Trim(out, "\n"), nil
}
