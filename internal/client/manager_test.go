package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NISC-lab-unime/biofeedback-server/internal/config"
	"github.com/NISC-lab-unime/biofeedback-server/internal/ws"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// nextState skips non-state events until a state event arrives.
func nextState(t *testing.T, events <-chan Event) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("events closed while waiting for a state change")
			}
			if ev.Kind == EventState {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for a state change")
		}
	}
}

func waitState(t *testing.T, events <-chan Event, want State) Event {
	t.Helper()
	for {
		ev := nextState(t, events)
		if ev.State == want {
			return ev
		}
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(time.Second, 30*time.Second, tt.n); got != tt.want {
			t.Errorf("Backoff(1s, 30s, %d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestStateString(t *testing.T) {
	if StateBackoff.String() != "backoff" || StateStopped.String() != "stopped" {
		t.Errorf("unexpected names %q %q", StateBackoff, StateStopped)
	}
	if got := State(9).String(); got != "State(9)" {
		t.Errorf("unknown state = %q", got)
	}
}

func TestManager_BackoffDoublesAndResetsAfterConnect(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n <= 4 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if n == 5 {
			// One sample, then drop the connection.
			conn.WriteMessage(websocket.TextMessage,
				[]byte(`{"type":"stream","data":{"seq":1,"hr":75,"eda":2,"hrv":45,"stress":0.3,"scenario":"baseline"}}`))
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	const initial = 10 * time.Millisecond
	m := NewManager(Options{
		URL:            wsURL(srv),
		InitialBackoff: initial,
		MaxBackoff:     time.Second,
		Reconnect:      true,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	for i, mult := range []time.Duration{1, 2, 4, 8} {
		ev := waitState(t, m.Events(), StateBackoff)
		if ev.Wait != mult*initial {
			t.Errorf("failure %d: wait = %v, want %v", i+1, ev.Wait, mult*initial)
		}
		if ev.Failures != i+1 {
			t.Errorf("failure %d: Failures = %d", i+1, ev.Failures)
		}
		if !errors.Is(ev.Err, ErrConnection) {
			t.Errorf("failure %d: err = %v, want ErrConnection", i+1, ev.Err)
		}
	}

	waitState(t, m.Events(), StateConnected)
	var gotSample bool
	for !gotSample {
		select {
		case ev := <-m.Events():
			if ev.Kind == EventSample {
				gotSample = true
				if ev.Sample.HR != 75 || ev.Sample.Scenario != "baseline" {
					t.Errorf("sample = %+v", ev.Sample)
				}
			}
		case <-time.After(3 * time.Second):
			t.Fatal("no sample received")
		}
	}

	ev := waitState(t, m.Events(), StateBackoff)
	if ev.Wait != initial {
		t.Errorf("wait after a successful connection = %v, want %v", ev.Wait, initial)
	}
	waitState(t, m.Events(), StateConnected)

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

func TestManager_NoReconnectStops(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	m := NewManager(Options{URL: url, Reconnect: false, HandshakeTimeout: time.Second})
	err := m.Run(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("Run = %v, want ErrConnection", err)
	}
	if m.State() != StateStopped {
		t.Errorf("State = %v, want stopped", m.State())
	}

	var last Event
	for ev := range m.Events() {
		last = ev
	}
	if last.State != StateStopped || !errors.Is(last.Err, ErrConnection) {
		t.Errorf("last event = %+v, want stopped with ErrConnection", last)
	}
}

func TestManager_RestartSkipsBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewManager(Options{
		URL:            wsURL(srv),
		InitialBackoff: time.Minute,
		MaxBackoff:     time.Minute,
		Reconnect:      true,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitState(t, m.Events(), StateBackoff)
	start := time.Now()
	m.Restart()
	waitState(t, m.Events(), StateConnecting)
	if d := time.Since(start); d > 2*time.Second {
		t.Errorf("reconnect after Restart took %v", d)
	}
}

func TestManager_SendsSubscribeAndPreferences(t *testing.T) {
	received := make(chan Command, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd Command
			if json.Unmarshal(data, &cmd) == nil {
				received <- cmd
			}
		}
	}))
	defer srv.Close()

	m := NewManager(Options{
		URL:         wsURL(srv),
		Reconnect:   true,
		FrequencyHz: 5,
		Scenario:    "stress_buildup",
	})
	if err := m.Send(Status()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send before connect = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	waitState(t, m.Events(), StateConnected)

	if err := m.Send(SetScenario("recovery")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got []string
	for len(got) < 4 {
		select {
		case cmd := <-received:
			got = append(got, cmd.Command)
			if cmd.Command == "set_frequency" && (cmd.Hz == nil || *cmd.Hz != 5) {
				t.Errorf("set_frequency hz = %v", cmd.Hz)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("received %v, want 4 commands", got)
		}
	}
	want := []string{"subscribe", "set_frequency", "set_scenario", "set_scenario"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestManager_MalformedMessageTriggersBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.ReadMessage()
	}))
	defer srv.Close()

	m := NewManager(Options{URL: wsURL(srv), Reconnect: true, InitialBackoff: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitState(t, m.Events(), StateConnected)
	ev := waitState(t, m.Events(), StateBackoff)
	if !errors.Is(ev.Err, ErrConnection) {
		t.Errorf("err = %v, want ErrConnection", ev.Err)
	}
}

func TestManager_StreamsFromServer(t *testing.T) {
	cfg, err := config.Default()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Stream.Seed = 7
	cfg.Baseline.Enabled = false
	s := ws.NewServer(ws.Options{Config: cfg})
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Scheduler().Shutdown(ctx)
	}()

	m := NewManager(Options{
		URL:         wsURL(srv) + cfg.Server.Path,
		Reconnect:   true,
		FrequencyHz: 20,
		Scenario:    "stress_buildup",
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	var samples []Sample
	var sawConfirm bool
	timeout := time.After(5 * time.Second)
	for len(samples) < 5 {
		select {
		case ev := <-m.Events():
			switch ev.Kind {
			case EventSample:
				samples = append(samples, ev.Sample)
			case EventMessage:
				if ev.Message.Type == MsgSubscriptionConfirmed {
					sawConfirm = true
				}
			}
		case <-timeout:
			t.Fatalf("received %d samples", len(samples))
		}
	}
	if !sawConfirm {
		t.Error("no subscription confirmation")
	}
	last := samples[len(samples)-1]
	if last.Scenario != "stress_buildup" {
		t.Errorf("scenario = %q, want stress_buildup", last.Scenario)
	}
	if last.ServerInfo == nil || last.ServerInfo.FrequencyHz != 20 {
		t.Errorf("server_info = %+v, want 20 Hz", last.ServerInfo)
	}
	for i := 1; i < len(samples); i++ {
		if samples[i].Seq <= samples[i-1].Seq {
			t.Errorf("seq not increasing: %d then %d", samples[i-1].Seq, samples[i].Seq)
		}
	}
}
