package viewer

import (
	"github.com/charmbracelet/glamour"
)

const helpMarkdown = `# biofeed viewer

Live view of one simulated biofeedback session.

| Key | Action |
|-----|--------|
| s | subscribe or unsubscribe |
| o | request one sample |
| i | request server status |
| + / - | double or halve the stream rate |
| 1-4 | baseline, stress_buildup, recovery, mixed |
| r | drop the connection and reconnect now |
| ? / esc | toggle this help |
| q | quit |

The stress index combines heart rate, skin conductance and HRV against the
session reference. While the connection is down the viewer retries with
exponential backoff; the status bar shows the next attempt.
`

// renderHelp renders the help overlay for the given width. Rendering
// errors fall back to the raw markdown.
func renderHelp(width int) string {
	if width < 20 {
		width = 20
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width-4),
	)
	if err != nil {
		return helpMarkdown
	}
	out, err := r.Render(helpMarkdown)
	if err != nil {
		return helpMarkdown
	}
	return out
}
