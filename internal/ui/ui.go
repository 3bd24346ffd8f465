// Package ui holds the terminal styling used by the CLI. Styling is applied
// only when stdout is a terminal, so piped output stays plain.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("63")).Bold(true)
	faintStyle  = lipgloss.NewStyle().Faint(true)
)

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// RenderPass styles a success line.
func RenderPass(s string) string {
	if !isTerminal() {
		return s
	}
	return passStyle.Render(s)
}

// RenderWarn styles a warning line.
func RenderWarn(s string) string {
	if !isTerminal() {
		return s
	}
	return warnStyle.Render(s)
}

// RenderErr styles an error line.
func RenderErr(s string) string {
	if !isTerminal() {
		return s
	}
	return errStyle.Render(s)
}

// RenderAccent styles a heading such as a date.
func RenderAccent(s string) string {
	if !isTerminal() {
		return s
	}
	return accentStyle.Render(s)
}

// RenderFaint styles secondary detail such as timestamps.
func RenderFaint(s string) string {
	if !isTerminal() {
		return s
	}
	return faintStyle.Render(s)
}
