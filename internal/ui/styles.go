// Package ui renders fieldsync terminal output.
package ui

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	colorPass   = lipgloss.AdaptiveColor{Light: "#1E8449", Dark: "#2ECC71"}
	colorWarn   = lipgloss.AdaptiveColor{Light: "#B9770E", Dark: "#F4D03F"}
	colorFail   = lipgloss.AdaptiveColor{Light: "#C0392B", Dark: "#E74C3C"}
	colorAccent = lipgloss.AdaptiveColor{Light: "#1D6FA5", Dark: "#5DADE2"}
	colorMuted  = lipgloss.AdaptiveColor{Light: "#7F8C8D", Dark: "#95A5A6"}

	passStyle   = lipgloss.NewStyle().Foreground(colorPass)
	warnStyle   = lipgloss.NewStyle().Foreground(colorWarn)
	failStyle   = lipgloss.NewStyle().Foreground(colorFail)
	accentStyle = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	boldStyle   = lipgloss.NewStyle().Bold(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorAccent).
			Padding(0, 1)
)

func init() {
	ConfigureOutput(os.Stdout)
}

// ConfigureOutput picks the color profile for w. Colors are disabled when w
// is not a terminal or NO_COLOR is set.
func ConfigureOutput(w io.Writer) {
	if !IsTerminal(w) || os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.NewOutput(w).EnvColorProfile())
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Width returns the terminal width of w, or 80.
func Width(w io.Writer) int {
	if f, ok := w.(*os.File); ok {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return 80
}

func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }
func RenderBold(s string) string   { return boldStyle.Render(s) }

// RenderBox frames s.
func RenderBox(s string) string { return boxStyle.Render(s) }
