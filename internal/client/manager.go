package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NISC-lab-unime/biofeedback-server/internal/logging"
)

var (
	// ErrConnection wraps every failure that ends a connection attempt or a
	// live connection.
	ErrConnection = errors.New("connection error")
	// ErrNotConnected is returned by Send when no connection is live.
	ErrNotConnected = errors.New("not connected")

	errRestart = errors.New("restart requested")
)

const (
	writeTimeout = 10 * time.Second
	// Servers ping every 20s; a connection silent for longer than this is
	// treated as lost.
	readTimeout = 60 * time.Second

	eventBuffer = 256
)

// State is the lifecycle state of a Manager.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateBackoff
	StateStopped
)

var stateNames = map[State]string{
	StateConnecting: "connecting",
	StateConnected:  "connected",
	StateBackoff:    "backoff",
	StateStopped:    "stopped",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// EventKind discriminates Event.
type EventKind int

const (
	EventState EventKind = iota
	EventSample
	EventMessage
)

// Event is delivered on the Events channel. For EventState, Err is the
// failure behind a backoff or stopped transition and Wait is the delay before
// the next attempt.
type Event struct {
	Kind     EventKind
	State    State
	Err      error
	Wait     time.Duration
	Failures int
	Sample   Sample
	Message  Message
}

// Options configures a Manager.
type Options struct {
	URL              string
	HandshakeTimeout time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	// Reconnect false makes the first failure terminal.
	Reconnect bool
	// FrequencyHz and Scenario are requested after every subscribe when set.
	FrequencyHz float64
	Scenario    string
	Logger      *slog.Logger
}

// Manager keeps one subscription alive, reconnecting with exponential
// backoff until its context is cancelled.
type Manager struct {
	opts    Options
	log     *slog.Logger
	events  chan Event
	restart chan struct{}

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	failures int

	// writeMu serializes writes to conn.
	writeMu sync.Mutex
}

// NewManager creates a manager. Run starts it.
func NewManager(opts Options) *Manager {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	return &Manager{
		opts:    opts,
		log:     logging.OrDiscard(opts.Logger),
		events:  make(chan Event, eventBuffer),
		restart: make(chan struct{}, 1),
		state:   StateStopped,
	}
}

// Backoff returns the wait after the n-th consecutive failure:
// initial doubled n-1 times, capped at max.
func Backoff(initial, max time.Duration, n int) time.Duration {
	d := initial
	for i := 1; i < n; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// Events returns the event stream. It is closed when Run returns.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Restart drops the live connection or cuts a pending backoff short and
// connects again immediately.
func (m *Manager) Restart() {
	select {
	case m.restart <- struct{}{}:
	default:
	}
}

// Send writes a command on the live connection.
func (m *Manager) Send(cmd Command) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("%w: send %s: %v", ErrConnection, cmd.Command, err)
	}
	return nil
}

// Run connects and keeps reconnecting until ctx is cancelled or, with
// Reconnect disabled, until the first failure. It returns ctx.Err() or the
// terminal connection error.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.events)

	for {
		m.setState(ctx, StateConnecting, nil, 0)
		err := m.serve(ctx)
		if ctx.Err() != nil {
			m.setState(ctx, StateStopped, ctx.Err(), 0)
			return ctx.Err()
		}
		if errors.Is(err, errRestart) {
			m.log.Info("restarting connection")
			continue
		}

		m.mu.Lock()
		m.failures++
		failures := m.failures
		m.mu.Unlock()

		if !m.opts.Reconnect {
			m.log.Warn("connection failed, reconnect disabled", "error", err)
			m.setState(ctx, StateStopped, err, 0)
			return err
		}

		wait := Backoff(m.opts.InitialBackoff, m.opts.MaxBackoff, failures)
		m.log.Warn("connection failed, retrying", "error", err, "wait", wait, "failures", failures)
		m.setState(ctx, StateBackoff, err, wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.setState(ctx, StateStopped, ctx.Err(), 0)
			return ctx.Err()
		case <-m.restart:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// serve runs one connection from handshake to failure.
func (m *Manager) serve(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var restarted atomic.Bool
	go func() {
		select {
		case <-m.restart:
			restarted.Store(true)
			cancel()
		case <-connCtx.Done():
		}
	}()
	wrap := func(err error) error {
		if restarted.Load() {
			return errRestart
		}
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: m.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(connCtx, m.opts.URL, nil)
	if err != nil {
		return wrap(fmt.Errorf("%w: dial %s: %v", ErrConnection, m.opts.URL, err))
	}
	defer conn.Close()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	for _, cmd := range m.initialCommands() {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(cmd); err != nil {
			return wrap(fmt.Errorf("%w: send %s: %v", ErrConnection, cmd.Command, err))
		}
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	m.mu.Lock()
	m.conn = conn
	m.failures = 0
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
	}()
	m.log.Info("connected", "url", m.opts.URL)
	m.setState(ctx, StateConnected, nil, 0)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return wrap(fmt.Errorf("%w: read: %v", ErrConnection, err))
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		msg, err := parseMessage(data)
		if err != nil {
			return wrap(fmt.Errorf("%w: %v", ErrConnection, err))
		}
		if msg.Type == MsgStream {
			s, err := msg.Sample()
			if err != nil {
				return wrap(fmt.Errorf("%w: %v", ErrConnection, err))
			}
			m.emit(ctx, Event{Kind: EventSample, Sample: s})
			continue
		}
		if msg.Type == MsgServerShutdown {
			m.log.Info("server shutting down")
		}
		m.emit(ctx, Event{Kind: EventMessage, Message: msg})
	}
}

func (m *Manager) initialCommands() []Command {
	cmds := []Command{Subscribe()}
	if m.opts.FrequencyHz > 0 {
		cmds = append(cmds, SetFrequency(m.opts.FrequencyHz))
	}
	if m.opts.Scenario != "" {
		cmds = append(cmds, SetScenario(m.opts.Scenario))
	}
	return cmds
}

func (m *Manager) setState(ctx context.Context, st State, err error, wait time.Duration) {
	m.mu.Lock()
	m.state = st
	failures := m.failures
	m.mu.Unlock()
	m.emit(ctx, Event{Kind: EventState, State: st, Err: err, Wait: wait, Failures: failures})
}

// emit blocks until the event is taken. Once ctx is done only the final
// StateStopped event is still attempted, without blocking.
func (m *Manager) emit(ctx context.Context, ev Event) {
	if ctx.Err() != nil {
		select {
		case m.events <- ev:
		default:
		}
		return
	}
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}
