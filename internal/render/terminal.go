package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"

	"mentorchat/internal/models"
)

const defaultWrap = 80

// Terminal prints conversation lines to a terminal, rendering assistant
// markdown with glamour.
type Terminal struct {
	out      io.Writer
	renderer *glamour.TermRenderer
	// EchoUser prints user lines too; off when the prompt already shows them.
	EchoUser bool
}

// NewTerminal creates a sink writing to out. plain disables markdown rendering.
func NewTerminal(out io.Writer, width int, plain bool) *Terminal {
	t := &Terminal{out: out}
	if plain {
		return t
	}
	if width <= 0 {
		width = defaultWrap
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err == nil {
		t.renderer = r
	}
	return t
}

// Display writes one conversation line.
func (t *Terminal) Display(role models.Role, text string) error {
	if role == models.RoleUser {
		if !t.EchoUser {
			return nil
		}
		_, err := fmt.Fprintf(t.out, "you> %s\n", text)
		return err
	}
	_, err := fmt.Fprintf(t.out, "mentor>\n%s\n", t.Markdown(text))
	return err
}

// Markdown renders text for the terminal, falling back to the raw text.
func (t *Terminal) Markdown(text string) string {
	if t.renderer == nil {
		return text
	}
	out, err := t.renderer.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}
