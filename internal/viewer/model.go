// Package viewer is the terminal renderer for one streaming session. It
// consumes client events and turns key presses into protocol commands.
package viewer

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/NISC-lab-unime/biofeedback-server/internal/client"
)

const historyLen = 60

// Conn is the connection the viewer drives.
type Conn interface {
	Send(client.Command) error
	Restart()
}

// Options seeds the viewer before the first server reply.
type Options struct {
	FrequencyHz float64
	Scenario    string
	// Scenarios are bound to the number keys in order.
	Scenarios []string
}

type eventMsg client.Event

type closedMsg struct{}

type frameMsg struct{}

// Model is the root Bubble Tea model.
type Model struct {
	conn   Conn
	events <-chan client.Event

	keys   KeyMap
	help   help.Model
	width  int
	height int

	// Connection state.
	state    client.State
	lastErr  error
	wait     time.Duration
	failures int
	closed   bool

	// Session state.
	subscribed bool
	sessionID  string
	frequency  float64
	scenario   string
	scenarios  []string
	clients    int
	latest     client.Sample
	samples    uint64
	stress     []float64

	hr, eda, hrv, index *gauge
	animating           bool

	showHelp  bool
	helpView  string
	notice    string
	noticeErr bool
}

// New creates the root model.
func New(conn Conn, events <-chan client.Event, opts Options) Model {
	return Model{
		conn:      conn,
		events:    events,
		keys:      DefaultKeyMap(),
		help:      help.New(),
		state:     client.StateConnecting,
		frequency: opts.FrequencyHz,
		scenario:  opts.Scenario,
		scenarios: opts.Scenarios,
		hr:        newGauge("HR", "bpm", 45, 180, ColorHR),
		eda:       newGauge("EDA", "µS", 0.1, 10, ColorEDA),
		hrv:       newGauge("HRV", "ms", 10, 200, ColorHRV),
		index:     newGauge("Stress", "/100", 0, 100, ColorStress),
	}
}

// Init starts listening for client events.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func waitForEvent(events <-chan client.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

func frame() tea.Cmd {
	return tea.Tick(time.Second/fps, func(time.Time) tea.Msg { return frameMsg{} })
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		if m.showHelp {
			m.helpView = renderHelp(m.width)
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case eventMsg:
		m.handleEvent(client.Event(msg))
		cmds := []tea.Cmd{waitForEvent(m.events)}
		if !m.animating && msg.Kind == client.EventSample {
			m.animating = true
			cmds = append(cmds, frame())
		}
		return m, tea.Batch(cmds...)

	case closedMsg:
		m.closed = true
		m.state = client.StateStopped
		m.subscribed = false
		return m, nil

	case frameMsg:
		moving := false
		for _, g := range m.gauges() {
			if g.Step() {
				moving = true
			}
		}
		if !moving {
			m.animating = false
			return m, nil
		}
		return m, frame()
	}

	return m, nil
}

func (m *Model) handleEvent(ev client.Event) {
	switch ev.Kind {
	case client.EventState:
		m.state = ev.State
		m.lastErr = ev.Err
		m.wait = ev.Wait
		m.failures = ev.Failures
		if ev.State != client.StateConnected {
			m.subscribed = false
		}

	case client.EventSample:
		s := ev.Sample
		m.latest = s
		m.samples++
		m.scenario = s.Scenario
		if s.ServerInfo != nil {
			m.frequency = s.ServerInfo.FrequencyHz
			m.clients = s.ServerInfo.ConnectedClients
		}
		m.hr.Set(s.HR)
		m.eda.Set(s.EDA)
		m.hrv.Set(s.HRV)
		m.index.Set(s.Stress)
		m.stress = append(m.stress, s.Stress)
		if len(m.stress) > historyLen {
			m.stress = m.stress[len(m.stress)-historyLen:]
		}

	case client.EventMessage:
		m.handleMessage(ev.Message)
	}
}

func (m *Model) handleMessage(msg client.Message) {
	m.noticeErr = false
	switch msg.Type {
	case client.MsgSubscriptionConfirmed:
		var r client.SubscriptionConfirmed
		if msg.Decode(&r) == nil {
			m.sessionID = r.SessionID
			m.frequency = r.FrequencyHz
		}
		m.subscribed = true
		m.notice = "subscribed"

	case client.MsgUnsubscriptionConfirmed:
		m.subscribed = false
		m.notice = "unsubscribed"

	case client.MsgFrequencyChanged:
		var r client.FrequencyChanged
		if msg.Decode(&r) == nil {
			m.frequency = r.NewFrequencyHz
			m.notice = fmt.Sprintf("rate %g Hz → %g Hz", r.OldFrequencyHz, r.NewFrequencyHz)
		}

	case client.MsgScenarioChanged:
		var r client.ScenarioChanged
		if msg.Decode(&r) == nil {
			m.scenario = r.Scenario
			m.notice = "scenario " + r.Scenario
		}

	case client.MsgStatus:
		var r client.StatusReply
		if msg.Decode(&r) == nil {
			m.clients = r.Server.ConnectedClients
			m.notice = fmt.Sprintf("server up %.0fs, %d clients, %d samples this session",
				r.Server.UptimeSeconds, r.Server.ConnectedClients, r.Server.SamplesGenerated)
		}

	case client.MsgError:
		var r client.ErrorReply
		if msg.Decode(&r) == nil {
			m.notice = r.Message
			m.noticeErr = true
		}

	case client.MsgServerShutdown:
		m.notice = "server shutting down"
		m.noticeErr = true
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		return m, tea.Quit
	}
	if m.showHelp {
		if key.Matches(msg, m.keys.Escape) || key.Matches(msg, m.keys.Help) {
			m.showHelp = false
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Help):
		m.showHelp = true
		m.helpView = renderHelp(m.width)

	case key.Matches(msg, m.keys.Subscribe):
		if m.subscribed {
			m.send(client.Unsubscribe())
		} else {
			m.send(client.Subscribe())
		}

	case key.Matches(msg, m.keys.Once):
		m.send(client.Once())

	case key.Matches(msg, m.keys.Status):
		m.send(client.Status())

	case key.Matches(msg, m.keys.Faster):
		m.send(client.SetFrequency(m.currentFrequency() * 2))

	case key.Matches(msg, m.keys.Slower):
		m.send(client.SetFrequency(m.currentFrequency() / 2))

	case key.Matches(msg, m.keys.Scenario):
		idx := int(msg.String()[0] - '1')
		if idx >= 0 && idx < len(m.scenarios) {
			m.send(client.SetScenario(m.scenarios[idx]))
		}

	case key.Matches(msg, m.keys.Restart):
		m.conn.Restart()
		m.notice = "reconnecting"
		m.noticeErr = false
	}
	return m, nil
}

func (m Model) currentFrequency() float64 {
	if m.frequency > 0 {
		return m.frequency
	}
	return 1
}

func (m *Model) send(cmd client.Command) {
	if err := m.conn.Send(cmd); err != nil {
		m.notice = fmt.Sprintf("%s: %v", cmd.Command, err)
		m.noticeErr = true
	}
}

func (m Model) gauges() []*gauge {
	return []*gauge{m.hr, m.eda, m.hrv, m.index}
}

// View renders the full viewer.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	if m.showHelp {
		return lipgloss.JoinVertical(lipgloss.Left, m.statusBar(), m.helpView)
	}

	barWidth := m.width - 24
	if barWidth > 60 {
		barWidth = 60
	}
	lines := []string{
		m.statusBar(),
		m.hr.View(barWidth, ColorHR),
		m.eda.View(barWidth, ColorEDA),
		m.hrv.View(barWidth, ColorHRV),
		m.index.View(barWidth, StressColor(m.latest.Stress)),
		"",
		StyleDimmed.Render("stress ") + lipgloss.NewStyle().Foreground(StressColor(m.latest.Stress)).
			Render(sparkline(m.stress, 100)),
		StyleDimmed.Render(m.sampleLine()),
	}
	if m.notice != "" {
		style := StyleDimmed
		if m.noticeErr {
			style = StyleError
		}
		lines = append(lines, style.Render(m.notice))
	}
	lines = append(lines, "", m.help.View(m.keys))

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m Model) sampleLine() string {
	if m.samples == 0 {
		return "no samples yet"
	}
	return fmt.Sprintf("seq %d at %s, %d received", m.latest.Seq,
		m.latest.Timestamp.Local().Format("15:04:05.000"), m.samples)
}

func (m Model) statusBar() string {
	width := m.width
	if width < 40 {
		width = 40
	}

	conn := m.state.String()
	switch {
	case m.closed:
		conn = "stopped"
		if m.lastErr != nil {
			conn += ": " + m.lastErr.Error()
		}
	case m.state == client.StateBackoff:
		conn = fmt.Sprintf("retry in %s (%d failed)", m.wait, m.failures)
	}
	connStr := lipgloss.NewStyle().Foreground(StateColor(m.state)).
		Render(StateGlyph(m.state) + " " + conn)

	sep := lipgloss.NewStyle().Foreground(ColorBorder).Render(" | ")
	content := connStr
	if m.sessionID != "" {
		id := m.sessionID
		if len(id) > 8 {
			id = id[:8]
		}
		content += sep + "session " + id
	}
	sub := "idle"
	if m.subscribed {
		sub = "streaming"
	}
	content += sep + sub + sep + fmt.Sprintf("%g Hz", m.currentFrequency())
	if m.scenario != "" {
		content += sep + m.scenario
	}
	if m.clients > 0 {
		content += sep + fmt.Sprintf("%d clients", m.clients)
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(ColorBorder).
		Render(content)
}
