package source

import (
	"time"

	"github.com/NISC-lab-unime/biofeedback-server/internal/scenario"
	"github.com/NISC-lab-unime/biofeedback-server/internal/sim"
)

// Simulated drives a simulator from wall-clock time: every read advances it
// by the time since the previous read.
type Simulated struct {
	sim    *sim.Simulator
	now    func() time.Time
	last   time.Time
	closed bool
}

// NewSimulated creates a simulator-backed source.
func NewSimulated(sc scenario.Scenario, seed uint64, now func() time.Time) *Simulated {
	start := now()
	return &Simulated{
		sim:  sim.New(sc, seed, start),
		now:  now,
		last: start,
	}
}

func (s *Simulated) Read() (sim.Reading, error) {
	if s.closed {
		return sim.Reading{}, ErrClosed
	}
	t := s.now()
	dt := t.Sub(s.last)
	s.last = t
	return s.sim.Advance(dt).Reading(), nil
}

func (s *Simulated) SetScenario(sc scenario.Scenario) {
	s.sim.SetScenario(sc)
}

func (s *Simulated) Close() error {
	s.closed = true
	return nil
}

// Simulator exposes the underlying simulator.
func (s *Simulated) Simulator() *sim.Simulator {
	return s.sim
}
