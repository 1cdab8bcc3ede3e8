package viewer

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/NISC-lab-unime/biofeedback-server/internal/client"
)

// Metric colors.
var (
	ColorHR     = lipgloss.Color("#ef4444")
	ColorEDA    = lipgloss.Color("#06b6d4")
	ColorHRV    = lipgloss.Color("#22c55e")
	ColorStress = lipgloss.Color("#f59e0b")
)

// Stress level colors.
var (
	ColorStressLow  = lipgloss.Color("#22c55e") // <35
	ColorStressMid  = lipgloss.Color("#d97706") // 35-65
	ColorStressHigh = lipgloss.Color("#dc2626") // >65
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// StressColor returns the color for a stress index in [0,100].
func StressColor(stress float64) lipgloss.Color {
	switch {
	case stress > 65:
		return ColorStressHigh
	case stress > 35:
		return ColorStressMid
	default:
		return ColorStressLow
	}
}

// StateColor returns the color for a connection state.
func StateColor(s client.State) lipgloss.Color {
	switch s {
	case client.StateConnected:
		return ColorHealthy
	case client.StateConnecting, client.StateBackoff:
		return ColorWarning
	default:
		return ColorDanger
	}
}

// StateGlyph returns a glyph for a connection state.
func StateGlyph(s client.State) string {
	switch s {
	case client.StateConnected:
		return "●"
	case client.StateConnecting:
		return "◎"
	case client.StateBackoff:
		return "◌"
	default:
		return "○"
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
)
