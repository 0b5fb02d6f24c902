// Package cli provides shared output helpers for the sched command.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/drewfead/schedd/internal/api"
	"github.com/fatih/color"
	"golang.org/x/term"
)

// colorsEnabled caches whether colors should be used
var colorsEnabled *bool

// ColorsEnabled returns true if the terminal supports colors.
// Checks if stdout is a terminal and NO_COLOR env var is not set.
func ColorsEnabled() bool {
	if colorsEnabled != nil {
		return *colorsEnabled
	}

	enabled := term.IsTerminal(int(os.Stdout.Fd())) && os.Getenv("NO_COLOR") == ""
	ForceColors(enabled)
	return enabled
}

// ForceColors enables or disables colors regardless of terminal detection.
func ForceColors(enabled bool) {
	colorsEnabled = &enabled
	color.NoColor = !enabled
}

// StateColor returns the color a project state is shown in.
func StateColor(s api.State) *color.Color {
	switch s {
	case api.StateReady:
		return color.New(color.FgGreen)
	case api.StateLoading:
		return color.New(color.FgCyan)
	case api.StateNew:
		return color.New(color.FgYellow)
	case api.StateFailed:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.FgHiBlack)
	}
}

// StateText renders s in its color.
func StateText(s api.State) string {
	ColorsEnabled()
	return StateColor(s).Sprint(string(s))
}

// printStatus writes one symbol-prefixed line.
func printStatus(w io.Writer, symbol, message string, attr color.Attribute) {
	ColorsEnabled()
	c := color.New(attr)
	fmt.Fprintf(w, "%s %s\n", c.Sprint(symbol), message)
}

// Success reports a completed action on stdout.
func Success(format string, args ...any) {
	printStatus(os.Stdout, CheckMark, fmt.Sprintf(format, args...), color.FgGreen)
}

// Warn reports something noteworthy on stderr.
func Warn(format string, args ...any) {
	printStatus(os.Stderr, WarnMark, fmt.Sprintf(format, args...), color.FgYellow)
}

// Fail reports an error on stderr.
func Fail(format string, args ...any) {
	printStatus(os.Stderr, CrossMark, fmt.Sprintf(format, args...), color.FgRed)
}

// Dimmed renders text in gray.
func Dimmed(text string) string {
	ColorsEnabled()
	return color.New(color.FgHiBlack).Sprint(text)
}

// Bolden renders text in bold.
func Bolden(text string) string {
	ColorsEnabled()
	return color.New(color.Bold).Sprint(text)
}
