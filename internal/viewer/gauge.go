package viewer

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"
)

const (
	fps           = 30
	springFreq    = 6.0
	springDamp    = 1.0
	settleEpsilon = 1e-3
)

// gauge is a horizontal bar whose fill follows the latest reading through a
// critically damped spring.
type gauge struct {
	label    string
	unit     string
	min, max float64
	color    lipgloss.Color

	spring harmonica.Spring
	pos    float64
	vel    float64
	target float64
	value  float64
	set    bool
}

func newGauge(label, unit string, min, max float64, color lipgloss.Color) *gauge {
	return &gauge{
		label:  label,
		unit:   unit,
		min:    min,
		max:    max,
		color:  color,
		spring: harmonica.NewSpring(harmonica.FPS(fps), springFreq, springDamp),
	}
}

// Set moves the target to v. The first value snaps the bar into place.
func (g *gauge) Set(v float64) {
	g.value = v
	g.target = g.ratio(v)
	if !g.set {
		g.pos = g.target
		g.set = true
	}
}

// Step advances the spring by one frame and reports whether it is still
// moving.
func (g *gauge) Step() bool {
	g.pos, g.vel = g.spring.Update(g.pos, g.vel, g.target)
	if math.Abs(g.pos-g.target) < settleEpsilon && math.Abs(g.vel) < settleEpsilon {
		g.pos, g.vel = g.target, 0
		return false
	}
	return true
}

func (g *gauge) ratio(v float64) float64 {
	if g.max <= g.min {
		return 0
	}
	r := (v - g.min) / (g.max - g.min)
	return math.Max(0, math.Min(1, r))
}

func (g *gauge) View(width int, color lipgloss.Color) string {
	if width < 10 {
		width = 10
	}
	filled := int(math.Round(math.Max(0, math.Min(1, g.pos)) * float64(width)))
	bar := lipgloss.NewStyle().Foreground(color).Render(strings.Repeat("█", filled)) +
		StyleDimmed.Render(strings.Repeat("░", width-filled))

	value := "  --"
	if g.set {
		value = fmt.Sprintf("%6.1f", g.value)
	}
	label := lipgloss.NewStyle().Foreground(g.color).Bold(true).Width(8).Render(g.label)
	return label + bar + " " + value + " " + StyleDimmed.Render(g.unit)
}

var sparkRunes = []rune("▁▂▃▄▅▆▇█")

// sparkline renders values in [0,max] as block glyphs.
func sparkline(values []float64, max float64) string {
	var b strings.Builder
	for _, v := range values {
		i := int(v / max * float64(len(sparkRunes)-1))
		i = int(math.Max(0, math.Min(float64(len(sparkRunes)-1), float64(i))))
		b.WriteRune(sparkRunes[i])
	}
	return b.String()
}
