// Package colors provides terminal color support for celebi output.
//
// This package provides:
// - ANSI color codes for terminal output
// - A palette for conflict kinds, resolution choices and merge outcomes
// - Automatic color detection and fallback for non-color terminals
package colors

import (
	"os"
	"runtime"
	"strings"
)

// ANSI color codes
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorDim   = "\033[2m"

	ColorGreen = "\033[32m"
	ColorGray  = "\033[90m"

	BrightRed     = "\033[91m"
	BrightGreen   = "\033[92m"
	BrightYellow  = "\033[93m"
	BrightBlue    = "\033[94m"
	BrightMagenta = "\033[95m"
	BrightCyan    = "\033[96m"
)

// colorEnabled determines if color output should be used
var colorEnabled = shouldUseColor()

// shouldUseColor determines if the terminal supports colors
func shouldUseColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}

	term := strings.ToLower(os.Getenv("TERM"))
	if runtime.GOOS == "windows" {
		return os.Getenv("WT_SESSION") != "" || os.Getenv("VSCODE_PID") != "" ||
			strings.Contains(term, "color") || strings.Contains(term, "xterm")
	}
	if term == "dumb" || term == "" {
		return false
	}

	// Check if stdout is a terminal
	if fileInfo, err := os.Stdout.Stat(); err == nil {
		return (fileInfo.Mode() & os.ModeCharDevice) != 0
	}
	return true
}

// SetColorEnabled allows manual control of color output
func SetColorEnabled(enabled bool) {
	colorEnabled = enabled
}

// IsColorEnabled returns whether colors are currently enabled
func IsColorEnabled() bool {
	return colorEnabled
}

// colorize applies color to text if colors are enabled
func colorize(text, color string) string {
	if !colorEnabled {
		return text
	}
	return color + text + ColorReset
}

func Red(text string) string     { return colorize(text, BrightRed) }
func Green(text string) string   { return colorize(text, BrightGreen) }
func Blue(text string) string    { return colorize(text, BrightBlue) }
func Yellow(text string) string  { return colorize(text, BrightYellow) }
func Cyan(text string) string    { return colorize(text, BrightCyan) }
func Magenta(text string) string { return colorize(text, BrightMagenta) }
func Gray(text string) string    { return colorize(text, ColorGray) }
func Bold(text string) string    { return colorize(text, ColorBold) }
func Dim(text string) string     { return colorize(text, ColorDim) }

// ConflictKind colors a conflict kind tag.
func ConflictKind(kind string) string {
	switch kind {
	case "additive":
		return Green(kind)
	case "subtractive":
		return Red(kind)
	case "contradictory":
		return Magenta(kind)
	case "dangling-reference":
		return Yellow(kind)
	default:
		return kind
	}
}

// Choice colors a resolution choice.
func Choice(choice string) string {
	switch choice {
	case "local":
		return Blue(choice)
	case "remote":
		return Cyan(choice)
	case "both":
		return Green(choice)
	case "skip":
		return Gray(choice)
	default:
		return choice
	}
}

// Status colors a merge outcome or check result.
func Status(status string) string {
	switch strings.ToLower(status) {
	case "accepted", "ok", "current":
		return colorize(status, ColorGreen)
	case "rejected", "failed", "corrupt":
		return Red(status)
	case "stale", "missing", "skipped", "dry-run":
		return Yellow(status)
	default:
		return status
	}
}

// Section headers with colors
func SectionHeader(text string) string { return Bold(text) }
func ErrorText(text string) string     { return Red(text) }
func SuccessText(text string) string   { return Green(text) }
func InfoText(text string) string      { return Cyan(text) }
func WarningText(text string) string   { return Yellow(text) }
