package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NISC-lab-unime/biofeedback-server/internal/export"
	"github.com/NISC-lab-unime/biofeedback-server/internal/logging"
	"github.com/NISC-lab-unime/biofeedback-server/internal/session"
)

var (
	// ErrTooManyConnections is returned by AddClient when the connection
	// limit is reached.
	ErrTooManyConnections = errors.New("too many connections")
	// ErrTransport marks a session whose connection can no longer be
	// written to. The session is closed.
	ErrTransport = errors.New("transport error")
)

const (
	writeWait         = 10 * time.Second
	defaultPingPeriod = 20 * time.Second
	defaultPongWait   = 30 * time.Second
	exportTimeout     = 10 * time.Second
	maxMessageSize    = 4096
)

type client struct {
	conn  *websocket.Conn
	sched *Scheduler
	sess  *session.Session
	send  chan []byte
	// retime asks the stream goroutine to pick up a new interval now.
	retime chan struct{}
	done   chan struct{}
	// deliverMu orders stream deliveries against subscription replies so
	// no sample follows an unsubscribe confirmation.
	deliverMu sync.Mutex

	mu         sync.Mutex
	closed     bool
	stopStream context.CancelFunc
}

func (s *Scheduler) newClient(conn *websocket.Conn, sess *session.Session) *client {
	return &client{
		conn:   conn,
		sched:  s,
		sess:   sess,
		send:   make(chan []byte, s.queueSize),
		retime: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// writePump is the only goroutine writing to the connection. It drains the
// queue after close so a final notice still goes out.
func (c *client) writePump() {
	ticker := time.NewTicker(c.sched.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.sched.RemoveClient(c)
		close(c.done)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.sched.log.Debug("ws write failed", "session", c.sess.ID, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.sched.log.Debug("ws ping failed", "session", c.sess.ID, "error", err)
				return
			}
		}
	}
}

// enqueue hands a message to the write pump without blocking. A full queue
// closes the session.
func (c *client) enqueue(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", msg, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: session closed", ErrTransport)
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
		return nil
	default:
	}
	c.mu.Unlock()

	c.sched.log.Warn("ws client too slow, disconnecting", "session", c.sess.ID)
	c.sched.RemoveClient(c)
	return fmt.Errorf("%w: send queue full", ErrTransport)
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.stopStream != nil {
		c.stopStream()
		c.stopStream = nil
	}
	close(c.send)
}

// Scheduler owns the live connections and drives one stream timer per
// subscribed session.
type Scheduler struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	store    *session.Store
	exporter export.Exporter
	log      *slog.Logger

	maxConns   int
	queueSize  int
	pingPeriod time.Duration
	pongWait   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler. maxConns of 0 means unlimited. A nil
// exporter drops session logs.
func NewScheduler(store *session.Store, exporter export.Exporter, maxConns, queueSize int, logger *slog.Logger) *Scheduler {
	if exporter == nil {
		exporter = export.Discard{}
	}
	if queueSize < 1 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clients:    make(map[*client]bool),
		store:      store,
		exporter:   exporter,
		log:        logging.OrDiscard(logger),
		maxConns:   maxConns,
		queueSize:  queueSize,
		pingPeriod: defaultPingPeriod,
		pongWait:   defaultPongWait,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Full reports whether the connection limit has been reached.
func (s *Scheduler) Full() bool {
	if s.maxConns <= 0 {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients) >= s.maxConns
}

// AddClient registers a connection and its session and starts the write
// pump.
func (s *Scheduler) AddClient(conn *websocket.Conn, sess *session.Session) (*client, error) {
	s.mu.Lock()
	if s.maxConns > 0 && len(s.clients) >= s.maxConns {
		s.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	c := s.newClient(conn, sess)
	s.clients[c] = true
	s.mu.Unlock()

	s.store.Add(sess)
	go c.writePump()
	return c, nil
}

// RemoveClient closes the session of c and drops it from the live set. It
// is safe to call more than once and from any goroutine.
func (s *Scheduler) RemoveClient(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if !ok {
		return
	}

	c.close()
	s.store.Remove(c.sess.ID)

	l, first := c.sess.Close()
	if !first {
		return
	}
	s.log.Info("session closed", "session", c.sess.ID, "samples", l.Info.SamplesGenerated,
		"duration_s", l.Info.DurationSeconds)

	ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
	defer cancel()
	if err := s.exporter.Export(ctx, l); err != nil {
		s.log.Error("session export failed", "session", c.sess.ID, "error", err)
	}
}

func (s *Scheduler) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Start begins streaming for c. It is a no-op when already streaming.
func (s *Scheduler) Start(c *client) {
	c.mu.Lock()
	if c.closed || c.stopStream != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	c.stopStream = cancel
	c.mu.Unlock()

	go s.stream(ctx, c)
}

// Stop cancels the stream timer of c.
func (s *Scheduler) Stop(c *client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopStream != nil {
		c.stopStream()
		c.stopStream = nil
	}
}

// Retime makes the stream of c switch to its session's current interval.
func (s *Scheduler) Retime(c *client) {
	select {
	case c.retime <- struct{}{}:
	default:
	}
}

// stream delivers one sample per interval. Deadlines advance from the
// previous deadline rather than from delivery time so the cadence does not
// drift.
func (s *Scheduler) stream(ctx context.Context, c *client) {
	interval := c.sess.Interval()
	next := time.Now().Add(interval)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.retime:
			interval = c.sess.Interval()
			next = time.Now().Add(interval)
			timer.Reset(interval)
		case <-timer.C:
			if ctx.Err() != nil {
				return
			}
			if err := s.deliver(c); err != nil {
				return
			}
			interval = c.sess.Interval()
			next = next.Add(interval)
			now := time.Now()
			if next.Before(now) {
				next = now
			}
			timer.Reset(next.Sub(now))
		}
	}
}

var errNotStreaming = errors.New("session not subscribed")

func (s *Scheduler) deliver(c *client) error {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if c.sess.State() != session.Subscribed {
		return errNotStreaming
	}
	sample, err := c.sess.Tick()
	if err != nil {
		if !errors.Is(err, session.ErrClosed) {
			s.log.Error("sample generation failed", "session", c.sess.ID, "error", err)
			s.RemoveClient(c)
		}
		return err
	}
	info := &ServerInfo{
		FrequencyHz:      c.sess.Frequency(),
		ConnectedClients: s.ClientCount(),
	}
	return c.enqueue(NewStreamMessage(sample, info))
}

// Shutdown notifies every live session, closes it and waits for the write
// pumps to flush.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	notice := NoticeMessage{Type: MsgServerShutdown, Message: "Server is shutting down"}
	for _, c := range clients {
		c.enqueue(notice)
		s.RemoveClient(c)
	}
	for _, c := range clients {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
