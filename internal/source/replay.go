package source

import (
	"github.com/NISC-lab-unime/biofeedback-server/internal/export"
	"github.com/NISC-lab-unime/biofeedback-server/internal/scenario"
	"github.com/NISC-lab-unime/biofeedback-server/internal/sim"
)

// Replay plays back a recorded session in a loop.
type Replay struct {
	records []export.Record
	next    int
	closed  bool
}

// NewReplay returns a source cycling through records. records must not be
// modified afterwards.
func NewReplay(records []export.Record) *Replay {
	return &Replay{records: records}
}

func (r *Replay) Read() (sim.Reading, error) {
	if r.closed {
		return sim.Reading{}, ErrClosed
	}
	if len(r.records) == 0 {
		ref := sim.DefaultReference
		return sim.Reading{HR: ref.HR, EDA: ref.EDA, HRV: ref.HRV}, nil
	}
	rec := r.records[r.next]
	r.next = (r.next + 1) % len(r.records)
	return sim.Reading{HR: rec.HR, EDA: rec.EDA, HRV: rec.HRV}, nil
}

// SetScenario is a no-op: recorded signals cannot follow a new envelope.
func (r *Replay) SetScenario(scenario.Scenario) {}

func (r *Replay) Close() error {
	r.closed = true
	return nil
}
