package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NISC-lab-unime/biofeedback-server/internal/config"
	"github.com/NISC-lab-unime/biofeedback-server/internal/export"
	"github.com/NISC-lab-unime/biofeedback-server/internal/logging"
	"github.com/NISC-lab-unime/biofeedback-server/internal/procstat"
	"github.com/NISC-lab-unime/biofeedback-server/internal/scenario"
	"github.com/NISC-lab-unime/biofeedback-server/internal/session"
	"github.com/NISC-lab-unime/biofeedback-server/internal/sim"
	"github.com/NISC-lab-unime/biofeedback-server/internal/source"
)

const shutdownTimeout = 5 * time.Second

// Options wires a Server to its collaborators. Only Config is required.
type Options struct {
	Config   *config.Config
	Sources  source.Factory
	Exporter export.Exporter
	Stats    *procstat.Sampler
	Logger   *slog.Logger
}

type Server struct {
	cfg            *config.Config
	store          *session.Store
	sched          *Scheduler
	disp           *Dispatcher
	sources        source.Factory
	log            *slog.Logger
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	sessions       atomic.Uint64
}

func NewServer(opts Options) *Server {
	cfg := opts.Config
	logger := logging.OrDiscard(opts.Logger)
	sources := opts.Sources
	if sources == nil {
		sources = func(sc scenario.Scenario, seed uint64) (source.Source, error) {
			return source.NewSimulated(sc, seed, time.Now), nil
		}
	}

	store := session.NewStore()
	sched := NewScheduler(store, opts.Exporter, cfg.Server.MaxConnections, cfg.Stream.QueueSize, logger)
	s := &Server{
		cfg:            cfg,
		store:          store,
		sched:          sched,
		disp:           NewDispatcher(sched, opts.Stats, logger),
		sources:        sources,
		log:            logger,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) Scheduler() *Scheduler {
	return s.sched
}

func (s *Server) Store() *session.Store {
	return s.store
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc(s.cfg.Server.Path, s.handleWS)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/scenarios", s.handleScenarios)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.sched.Full() {
		http.Error(w, ErrTooManyConnections.Error(), http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade error", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess, err := s.newSession()
	if err != nil {
		s.log.Error("creating session", "remote", r.RemoteAddr, "error", err)
		reject(conn, websocket.CloseInternalServerErr, "session unavailable")
		return
	}

	c, err := s.sched.AddClient(conn, sess)
	if err != nil {
		sess.Close()
		s.log.Warn("ws client rejected", "remote", r.RemoteAddr, "error", err)
		reject(conn, websocket.CloseTryAgainLater, err.Error())
		return
	}

	s.log.Info("ws client connected", "remote", r.RemoteAddr, "session", sess.ID,
		"clients", s.sched.ClientCount())
	go s.readLoop(c, r.RemoteAddr)
}

func reject(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}

func (s *Server) readLoop(c *client, remote string) {
	defer func() {
		s.sched.RemoveClient(c)
		s.log.Info("ws client disconnected", "remote", remote, "session", c.sess.ID)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(s.sched.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.sched.pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("ws read error", "session", c.sess.ID, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.sched.pongWait))
		if err := s.disp.Handle(c, data); err != nil {
			s.log.Debug("ending session", "session", c.sess.ID, "error", err)
			return
		}
	}
}

// newSession builds the per-connection state. With a configured seed,
// session n is seeded with seed+n so runs are reproducible.
func (s *Server) newSession() (*session.Session, error) {
	sc, err := scenario.Lookup(s.cfg.Stream.DefaultScenario)
	if err != nil {
		return nil, err
	}
	n := s.sessions.Add(1) - 1
	seed := rand.Uint64()
	if s.cfg.Stream.Seed != 0 {
		seed = s.cfg.Stream.Seed + n
	}

	src, err := s.sources(sc, seed)
	if err != nil {
		return nil, fmt.Errorf("opening source: %w", err)
	}
	return session.New(session.Options{
		FrequencyHz:    s.cfg.Stream.DefaultFrequencyHz,
		MinFrequencyHz: s.cfg.Stream.MinFrequencyHz,
		MaxFrequencyHz: s.cfg.Stream.MaxFrequencyHz,
		Scenario:       sc,
		Source:         src,
		Calibrator:     sim.NewCalibrator(s.cfg.Baseline.RestingPeriod, s.cfg.BaselineWindow(), s.cfg.Baseline.MinSamples),
		Record:         s.cfg.Export.Enabled,
	}), nil
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.store.Snapshot())
}

type scenarioListing struct {
	Default   string   `json:"default"`
	Scenarios []string `json:"scenarios"`
}

func (s *Server) handleScenarios(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(scenarioListing{
		Default:   s.cfg.Stream.DefaultScenario,
		Scenarios: scenario.Names(),
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}

	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// ListenAndServe serves until ctx is cancelled, then notifies every live
// session and shuts down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("server listening", "addr", addr, "path", s.cfg.Server.Path)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down", "clients", s.sched.ClientCount())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.sched.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("sessions did not drain", "error", err)
	}
	return srv.Shutdown(shutdownCtx)
}
