// Package session holds the per-connection streaming state: subscription
// mode, sampling frequency, active scenario and the source that produces
// readings. Every method is safe for concurrent use; the read loop and the
// stream timer of a connection both drive the same Session.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NISC-lab-unime/biofeedback-server/internal/config"
	"github.com/NISC-lab-unime/biofeedback-server/internal/export"
	"github.com/NISC-lab-unime/biofeedback-server/internal/scenario"
	"github.com/NISC-lab-unime/biofeedback-server/internal/sim"
	"github.com/NISC-lab-unime/biofeedback-server/internal/source"
)

var (
	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrNotSubscribed     = errors.New("not subscribed")
	ErrClosed            = errors.New("session closed")
)

// Options configures a new session.
type Options struct {
	FrequencyHz    float64
	MinFrequencyHz float64
	MaxFrequencyHz float64
	Scenario       scenario.Scenario
	Source         source.Source
	// Calibrator may be nil, in which case stress is always measured
	// against sim.DefaultReference.
	Calibrator *sim.Calibrator
	// Record keeps every generated sample for export at close.
	Record bool
	Now    func() time.Time
}

// Session is one live connection's streaming state.
type Session struct {
	ID string

	mu           sync.Mutex
	state        State
	freq         float64
	minHz, maxHz float64
	scenario     scenario.Scenario
	src          source.Source
	cal          *sim.Calibrator
	now          func() time.Time
	start        time.Time
	lastActivity time.Time
	seq          uint64
	record       bool
	log          []export.Record
}

// New creates an idle session. It takes ownership of opts.Source.
func New(opts Options) *Session {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cal := opts.Calibrator
	if cal == nil {
		cal = sim.NewCalibrator(0, 0, 0)
	}
	t := now()
	s := &Session{
		ID:           uuid.NewString(),
		state:        Idle,
		minHz:        opts.MinFrequencyHz,
		maxHz:        opts.MaxFrequencyHz,
		scenario:     opts.Scenario,
		src:          opts.Source,
		cal:          cal,
		now:          now,
		start:        t,
		lastActivity: t,
		record:       opts.Record,
	}
	s.freq = s.clamp(opts.FrequencyHz)
	return s
}

func (s *Session) clamp(hz float64) float64 {
	return config.ClampFrequency(hz, s.minHz, s.maxHz)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Frequency returns the sampling frequency in Hz.
func (s *Session) Frequency() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freq
}

// Interval is the time between two stream samples.
func (s *Session) Interval() time.Duration {
	return Interval(s.Frequency())
}

// Interval converts a frequency to a tick interval.
func Interval(hz float64) time.Duration {
	return time.Duration(float64(time.Second) / hz)
}

// Scenario returns the name of the active scenario.
func (s *Session) Scenario() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scenario.Name
}

// Subscribe moves an idle session to Subscribed.
func (s *Session) Subscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Closed:
		return ErrClosed
	case Subscribed:
		return ErrAlreadySubscribed
	}
	s.state = Subscribed
	s.lastActivity = s.now()
	return nil
}

// Unsubscribe moves a subscribed session back to Idle.
func (s *Session) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Closed:
		return ErrClosed
	case Idle:
		return ErrNotSubscribed
	}
	s.state = Idle
	s.lastActivity = s.now()
	return nil
}

// SetFrequency clamps hz into the valid range and applies it. It returns
// the previous and the effective frequency.
func (s *Session) SetFrequency(hz float64) (old, applied float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return s.freq, s.freq, ErrClosed
	}
	old = s.freq
	s.freq = s.clamp(hz)
	s.lastActivity = s.now()
	return old, s.freq, nil
}

// SetScenario switches the target envelope. An unknown name leaves the
// session untouched.
func (s *Session) SetScenario(name string) error {
	sc, err := scenario.Lookup(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return ErrClosed
	}
	s.scenario = sc
	s.src.SetScenario(sc)
	s.lastActivity = s.now()
	return nil
}

// Tick produces the next sample.
func (s *Session) Tick() (sim.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return sim.Sample{}, ErrClosed
	}

	r, err := s.src.Read()
	if err != nil {
		return sim.Sample{}, fmt.Errorf("reading source: %w", err)
	}
	t := s.now()
	elapsed := t.Sub(s.start)
	s.cal.Observe(elapsed, r)
	s.seq++

	sample := sim.NewSample(s.seq, t, elapsed, s.scenario.Name, r, s.cal.Reference())
	if s.record {
		s.log = append(s.log, export.RecordFrom(sample))
	}
	return sample, nil
}

// Touch records client activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// Info is a snapshot of a session for status replies and listings.
type Info struct {
	ID               string                `json:"session_id"`
	State            State                 `json:"state"`
	FrequencyHz      float64               `json:"stream_frequency_hz"`
	Scenario         string                `json:"scenario"`
	StartTime        time.Time             `json:"start_time"`
	LastActivity     time.Time             `json:"last_activity"`
	SamplesGenerated uint64                `json:"samples_generated"`
	Baseline         sim.CalibrationStatus `json:"baseline"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:               s.ID,
		State:            s.state,
		FrequencyHz:      s.freq,
		Scenario:         s.scenario.Name,
		StartTime:        s.start,
		LastActivity:     s.lastActivity,
		SamplesGenerated: s.seq,
		Baseline:         s.cal.Status(),
	}
}

// Close ends the session and releases its source. The first call returns
// the session log and true; later calls return false.
func (s *Session) Close() (export.Log, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return export.Log{}, false
	}
	s.state = Closed
	s.src.Close()

	end := s.now()
	l := export.Log{
		Info: export.Info{
			SessionID:        s.ID,
			StartTime:        s.start.UTC(),
			DurationSeconds:  export.Round(end.Sub(s.start).Seconds(), 1),
			SamplesGenerated: int(s.seq),
			FrequencyHz:      s.freq,
			Scenario:         s.scenario.Name,
		},
		Data: s.log,
	}
	s.log = nil
	return l, true
}
