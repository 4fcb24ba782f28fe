// Package theme provides the Lip Gloss color palette and reusable styles
// for the terminal client. It is a leaf package with no internal imports
// to avoid import cycles.
package theme

import "github.com/charmbracelet/lipgloss"

// Connection colors.
var (
	ColorIdle       = lipgloss.Color("#4b5563")
	ColorConnecting = lipgloss.Color("#7c3aed")
	ColorOpen       = lipgloss.Color("#16a34a")
	ColorClosing    = lipgloss.Color("#d97706")
	ColorClosed     = lipgloss.Color("#dc2626")
)

// Step colors.
var (
	ColorWaiting  = lipgloss.Color("#6b7280")
	ColorChecking = lipgloss.Color("#2563eb")
	ColorPass     = lipgloss.Color("#22c55e")
	ColorFail     = lipgloss.Color("#dc2626")
)

// Grade colors.
var (
	ColorGradeHigh = lipgloss.Color("#22c55e") // A, B
	ColorGradeMid  = lipgloss.Color("#f59e0b") // C, D
	ColorGradeLow  = lipgloss.Color("#dc2626")
)

// Gauge colors.
var (
	ColorDownload = lipgloss.Color("#06b6d4")
	ColorUpload   = lipgloss.Color("#a855f7")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorAccent  = lipgloss.Color("#3b82f6")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
	ColorDefault = lipgloss.Color("#9ca3af")
)

// ConnectionColor returns the color for a connection state name as
// printed by transport.State.
func ConnectionColor(state string) lipgloss.Color {
	switch state {
	case "idle":
		return ColorIdle
	case "connecting":
		return ColorConnecting
	case "open":
		return ColorOpen
	case "closing":
		return ColorClosing
	case "closed":
		return ColorClosed
	default:
		return ColorDefault
	}
}

// StepColor returns the color for a step status.
func StepColor(status string) lipgloss.Color {
	switch status {
	case "waiting":
		return ColorWaiting
	case "checking":
		return ColorChecking
	case "pass":
		return ColorPass
	case "fail":
		return ColorFail
	default:
		return ColorDefault
	}
}

// StepGlyph returns a Unicode glyph for a step status.
func StepGlyph(status string) string {
	switch status {
	case "waiting":
		return "○"
	case "checking":
		return "◌"
	case "pass":
		return "✓"
	case "fail":
		return "✗"
	default:
		return "·"
	}
}

// GradeColor returns the color for a letter grade.
func GradeColor(grade string) lipgloss.Color {
	switch grade {
	case "A", "B":
		return ColorGradeHigh
	case "C", "D":
		return ColorGradeMid
	default:
		return ColorGradeLow
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleError = lipgloss.NewStyle().
			Foreground(ColorDanger)

	StyleTab = lipgloss.NewStyle().
			Padding(0, 2).
			Foreground(ColorDimmed)

	StyleTabActive = lipgloss.NewStyle().
			Padding(0, 2).
			Bold(true).
			Foreground(ColorBright).
			Underline(true)
)
