package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NISC-lab-unime/biofeedback-server/internal/config"
	"github.com/NISC-lab-unime/biofeedback-server/internal/export"
	"github.com/NISC-lab-unime/biofeedback-server/internal/scenario"
	"github.com/NISC-lab-unime/biofeedback-server/internal/session"
)

// testMsg is a union of every outbound message shape.
type testMsg struct {
	Type              string     `json:"type"`
	Data              SampleData `json:"data"`
	SessionID         string     `json:"session_id"`
	FrequencyHz       float64    `json:"stream_frequency_hz"`
	OldFrequencyHz    float64    `json:"old_frequency_hz"`
	NewFrequencyHz    float64    `json:"new_frequency_hz"`
	IntervalSeconds   float64    `json:"stream_interval_seconds"`
	Scenario          string     `json:"scenario"`
	Message           string     `json:"message"`
	ValidScenarios    []string   `json:"valid_scenarios"`
	AvailableCommands []string   `json:"available_commands"`
	Server            StatusInfo `json:"server"`
}

func testConfig() *config.Config {
	cfg, err := config.Default()
	if err != nil {
		panic(err)
	}
	cfg.Stream.Seed = 42
	cfg.Baseline.Enabled = false
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, exporter export.Exporter) (*Server, string) {
	t.Helper()
	s := NewServer(Options{Config: cfg, Exporter: exporter})
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Scheduler().Shutdown(ctx)
		srv.Close()
	})
	return s, "ws" + strings.TrimPrefix(srv.URL, "http") + cfg.Server.Path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, cmd string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(cmd)); err != nil {
		t.Fatalf("write %s: %v", cmd, err)
	}
}

func read(t *testing.T, conn *websocket.Conn, timeout time.Duration) testMsg {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m testMsg
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

// readType skips messages until one of type typ arrives.
func readType(t *testing.T, conn *websocket.Conn, typ MessageType) testMsg {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		m := read(t, conn, time.Until(deadline))
		if m.Type == string(typ) {
			return m
		}
	}
	t.Fatalf("no %s message within deadline", typ)
	return testMsg{}
}

// collect reads stream messages until the window closes.
func collect(conn *websocket.Conn, window time.Duration) []SampleData {
	var out []SampleData
	conn.SetReadDeadline(time.Now().Add(window))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return out
		}
		var m testMsg
		if json.Unmarshal(data, &m) == nil && m.Type == string(MsgStream) {
			out = append(out, m.Data)
		}
	}
}

func TestSubscribe_BaselineFirstSampleAtOneHertz(t *testing.T) {
	_, url := newTestServer(t, testConfig(), nil)
	conn := dial(t, url)

	start := time.Now()
	send(t, conn, `{"command":"subscribe"}`)

	confirm := read(t, conn, time.Second)
	if confirm.Type != string(MsgSubscriptionConfirmed) {
		t.Fatalf("first reply = %q, want subscription_confirmed", confirm.Type)
	}
	if confirm.SessionID == "" || confirm.FrequencyHz != 1 {
		t.Errorf("confirmation = %+v", confirm)
	}

	m := read(t, conn, 2*time.Second)
	elapsed := time.Since(start)
	if m.Type != string(MsgStream) {
		t.Fatalf("second message = %q, want stream", m.Type)
	}
	if elapsed < time.Second || elapsed > 1200*time.Millisecond {
		t.Errorf("first sample after %v, want within 1.0-1.2s", elapsed)
	}
	if m.Data.HR < 70 || m.Data.HR > 80 {
		t.Errorf("hr = %v, want [70,80]", m.Data.HR)
	}
	if m.Data.Scenario != scenario.Baseline {
		t.Errorf("scenario = %q, want baseline", m.Data.Scenario)
	}
	if m.Data.ServerInfo == nil || m.Data.ServerInfo.FrequencyHz != 1 || m.Data.ServerInfo.ConnectedClients != 1 {
		t.Errorf("server_info = %+v", m.Data.ServerInfo)
	}
	if _, err := time.Parse(time.RFC3339Nano, m.Data.Timestamp); err != nil {
		t.Errorf("timestamp %q is not ISO-8601: %v", m.Data.Timestamp, err)
	}
}

func TestSetFrequency_ClampsToBound(t *testing.T) {
	_, url := newTestServer(t, testConfig(), nil)
	conn := dial(t, url)

	send(t, conn, `{"command":"set_frequency","hz":1000}`)
	m := read(t, conn, time.Second)
	if m.Type != string(MsgFrequencyChanged) {
		t.Fatalf("reply = %+v, want frequency_changed", m)
	}
	if m.NewFrequencyHz != 50 || m.OldFrequencyHz != 1 {
		t.Errorf("frequency %v -> %v, want 1 -> 50", m.OldFrequencyHz, m.NewFrequencyHz)
	}
	if m.IntervalSeconds != 0.02 {
		t.Errorf("interval = %v, want 0.02", m.IntervalSeconds)
	}

	send(t, conn, `{"command":"set_frequency","hz":"0.01"}`)
	m = read(t, conn, time.Second)
	if m.NewFrequencyHz != 0.1 {
		t.Errorf("string hz below bound -> %v, want 0.1", m.NewFrequencyHz)
	}

	send(t, conn, `{"command":"set_frequency","hz":"quick"}`)
	m = read(t, conn, time.Second)
	if m.Type != string(MsgError) {
		t.Errorf("non-numeric hz reply = %q, want error", m.Type)
	}
}

func TestSetFrequency_RetimesRunningStream(t *testing.T) {
	_, url := newTestServer(t, testConfig(), nil)
	conn := dial(t, url)

	send(t, conn, `{"command":"set_frequency","hz":0.1}`)
	readType(t, conn, MsgFrequencyChanged)
	send(t, conn, `{"command":"subscribe"}`)
	readType(t, conn, MsgSubscriptionConfirmed)

	// At 0.1 Hz nothing would arrive for 10s; the change must apply at once.
	send(t, conn, `{"command":"set_frequency","hz":20}`)
	readType(t, conn, MsgFrequencyChanged)
	if got := collect(conn, 500*time.Millisecond); len(got) < 5 {
		t.Errorf("received %d samples in 500ms at 20Hz, want at least 5", len(got))
	}
}

func TestTwoSessions_IndependentCadenceAndValues(t *testing.T) {
	_, url := newTestServer(t, testConfig(), nil)
	a := dial(t, url)
	b := dial(t, url)

	send(t, b, `{"command":"set_frequency","hz":5}`)
	readType(t, b, MsgFrequencyChanged)

	send(t, a, `{"command":"subscribe"}`)
	send(t, b, `{"command":"subscribe"}`)
	readType(t, a, MsgSubscriptionConfirmed)
	readType(t, b, MsgSubscriptionConfirmed)

	const window = 3100 * time.Millisecond
	resA := make(chan []SampleData, 1)
	go func() { resA <- collect(a, window) }()
	gotB := collect(b, window)
	gotA := <-resA

	if len(gotA) < 2 || len(gotA) > 4 {
		t.Errorf("1Hz session received %d samples, want about 3", len(gotA))
	}
	if len(gotB) < 13 || len(gotB) > 17 {
		t.Errorf("5Hz session received %d samples, want about 15", len(gotB))
	}
	if len(gotA) > 0 {
		ratio := float64(len(gotB)) / float64(len(gotA))
		if ratio < 3.5 || ratio > 8 {
			t.Errorf("sample ratio = %.1f, want about 5", ratio)
		}
	}

	same := true
	for i := 0; i < len(gotA) && i < len(gotB); i++ {
		if gotA[i].HR != gotB[i].HR || gotA[i].EDA != gotB[i].EDA {
			same = false
		}
	}
	if same {
		t.Error("sessions produced identical values; simulator state is shared")
	}
	for i := 1; i < len(gotB); i++ {
		if gotB[i].Seq != gotB[i-1].Seq+1 {
			t.Errorf("session B seq %d followed by %d", gotB[i-1].Seq, gotB[i].Seq)
		}
	}
}

func TestSetScenario_InvalidKeepsScenario(t *testing.T) {
	_, url := newTestServer(t, testConfig(), nil)
	conn := dial(t, url)

	send(t, conn, `{"command":"set_scenario","scenario":"stress_buildup"}`)
	m := read(t, conn, time.Second)
	if m.Type != string(MsgScenarioChanged) || m.Scenario != scenario.StressBuildup {
		t.Fatalf("reply = %+v, want scenario_changed stress_buildup", m)
	}

	send(t, conn, `{"command":"set_scenario","scenario":"panic"}`)
	m = read(t, conn, time.Second)
	if m.Type != string(MsgError) {
		t.Fatalf("reply = %q, want error", m.Type)
	}
	if !strings.Contains(m.Message, "invalid scenario") {
		t.Errorf("message = %q", m.Message)
	}
	if len(m.ValidScenarios) != len(scenario.Names()) {
		t.Errorf("valid_scenarios = %v", m.ValidScenarios)
	}

	send(t, conn, `{"command":"status"}`)
	m = read(t, conn, time.Second)
	if m.Server.Scenario != scenario.StressBuildup {
		t.Errorf("scenario after failed switch = %q, want stress_buildup", m.Server.Scenario)
	}
}

func TestMalformedInput_KeepsConnection(t *testing.T) {
	_, url := newTestServer(t, testConfig(), nil)
	conn := dial(t, url)

	send(t, conn, `this is not json`)
	m := read(t, conn, time.Second)
	if m.Type != string(MsgError) || !strings.Contains(m.Message, "invalid JSON") {
		t.Errorf("malformed reply = %+v", m)
	}

	send(t, conn, `{"command":"dance"}`)
	m = read(t, conn, time.Second)
	if m.Type != string(MsgError) || len(m.AvailableCommands) != len(Commands) {
		t.Errorf("unknown command reply = %+v", m)
	}

	send(t, conn, `{"command":"ONCE"}`)
	m = read(t, conn, time.Second)
	if m.Type != string(MsgStream) {
		t.Fatalf("once reply = %q, want stream", m.Type)
	}
	if m.Data.ServerInfo != nil {
		t.Error("once reply should not carry server_info")
	}
}

func TestSubscribeTwice_IsProtocolError(t *testing.T) {
	_, url := newTestServer(t, testConfig(), nil)
	conn := dial(t, url)

	send(t, conn, `{"command":"subscribe"}`)
	readType(t, conn, MsgSubscriptionConfirmed)
	send(t, conn, `{"command":"subscribe"}`)
	m := readType(t, conn, MsgError)
	if !strings.Contains(m.Message, ErrProtocol.Error()) {
		t.Errorf("message = %q, want protocol error", m.Message)
	}
}

func TestIdleSession_ReceivesNoStream(t *testing.T) {
	_, url := newTestServer(t, testConfig(), nil)
	conn := dial(t, url)

	if got := collect(conn, 1300*time.Millisecond); len(got) != 0 {
		t.Errorf("idle session received %d samples", len(got))
	}
}

func TestUnsubscribe_StopsStream(t *testing.T) {
	_, url := newTestServer(t, testConfig(), nil)
	conn := dial(t, url)

	send(t, conn, `{"command":"set_frequency","hz":20}`)
	send(t, conn, `{"command":"subscribe"}`)
	readType(t, conn, MsgStream)

	send(t, conn, `{"command":"unsubscribe"}`)
	readType(t, conn, MsgUnsubscriptionConfirmed)
	if got := collect(conn, 300*time.Millisecond); len(got) != 0 {
		t.Errorf("received %d samples after unsubscribe", len(got))
	}
}

func TestStatusReply(t *testing.T) {
	_, url := newTestServer(t, testConfig(), nil)
	conn := dial(t, url)

	send(t, conn, `{"command":"status"}`)
	m := read(t, conn, time.Second)
	if m.Type != string(MsgStatus) {
		t.Fatalf("reply = %q, want status", m.Type)
	}
	st := m.Server
	if !st.Running || st.ConnectedClients != 1 || st.FrequencyHz != 1 {
		t.Errorf("status = %+v", st)
	}
	if st.State != session.Idle.String() || st.Scenario != scenario.Baseline {
		t.Errorf("status state/scenario = %q/%q", st.State, st.Scenario)
	}
}

func TestMaxConnections_RejectsWith503(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxConnections = 1
	_, url := newTestServer(t, cfg, nil)
	first := dial(t, url)
	send(t, first, `{"command":"status"}`)
	readType(t, first, MsgStatus)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("second dial error = %v, want ErrBadHandshake", err)
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("second dial response = %v, want 503", resp)
	}
}

func TestShutdown_NotifiesSessions(t *testing.T) {
	s, url := newTestServer(t, testConfig(), nil)
	conn := dial(t, url)
	send(t, conn, `{"command":"status"}`)
	readType(t, conn, MsgStatus)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Scheduler().Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	m := readType(t, conn, MsgServerShutdown)
	if m.Type != string(MsgServerShutdown) {
		t.Errorf("got %q", m.Type)
	}
	if n := s.Scheduler().ClientCount(); n != 0 {
		t.Errorf("ClientCount() = %d after shutdown", n)
	}
}

func TestSessionExportedOnDisconnect(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Export.Enabled = true
	s, url := newTestServer(t, cfg, export.NewJSONExporter(dir))

	conn := dial(t, url)
	send(t, conn, `{"command":"once"}`)
	send(t, conn, `{"command":"once"}`)
	read(t, conn, time.Second)
	read(t, conn, time.Second)
	conn.Close()

	var files []string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		files, _ = filepath.Glob(filepath.Join(dir, "biofeedback_session_*.json"))
		if len(files) > 0 && s.Scheduler().ClientCount() == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(files) != 1 {
		t.Fatalf("found %d session logs, want 1", len(files))
	}

	l, err := export.ReadJSON(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if l.Info.SamplesGenerated != 2 || len(l.Data) != 2 {
		t.Errorf("log has %d/%d samples, want 2", l.Info.SamplesGenerated, len(l.Data))
	}
	if _, err := os.Stat(files[0]); err != nil {
		t.Error(err)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	s := NewServer(Options{Config: testConfig()})
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer s.Scheduler().Shutdown(context.Background())

	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws")
	send(t, conn, `{"command":"status"}`)
	read(t, conn, time.Second)

	resp, err := http.Get(srv.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var infos []session.Info
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].FrequencyHz != 1 {
		t.Errorf("/api/sessions = %+v", infos)
	}

	resp2, err := http.Get(srv.URL + "/api/scenarios")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var listing scenarioListing
	json.NewDecoder(resp2.Body).Decode(&listing)
	if listing.Default != scenario.Baseline || len(listing.Scenarios) != 4 {
		t.Errorf("/api/scenarios = %+v", listing)
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin", nil, "", "lab:8765", true},
		{"same host", nil, "http://lab:8765", "lab:8765", true},
		{"localhost", nil, "http://localhost:3000", "lab:8765", true},
		{"loopback v6", nil, "http://[::1]:3000", "lab:8765", true},
		{"foreign", nil, "http://evil.example", "lab:8765", false},
		{"allow-listed", []string{"http://viewer.lab"}, "http://viewer.lab", "lab:8765", true},
		{"allow-list excludes localhost", []string{"http://viewer.lab"}, "http://localhost:3000", "lab:8765", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Server.AllowedOrigins = tt.allowed
			s := NewServer(Options{Config: cfg})
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestListenAndServe_StopsOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	cfg := testConfig()
	cfg.Server.Port = port
	s := NewServer(Options{Config: cfg})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()

	var conn *websocket.Conn
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, _, err = websocket.DefaultDialer.Dial("ws://"+l.Addr().String()+"/ws", nil)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if conn == nil {
		t.Fatalf("could not connect: %v", err)
	}
	defer conn.Close()

	cancel()
	if m := readType(t, conn, MsgServerShutdown); m.Type != string(MsgServerShutdown) {
		t.Errorf("got %q", m.Type)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not return after cancel")
	}
}
