// Package source is the seam between sessions and whatever produces their
// readings. A deployment picks one implementation at configuration time:
// the simulator, or a replay of a recorded session. A hardware sensor
// would be a third implementation of the same interface.
package source

import (
	"errors"
	"fmt"
	"time"

	"github.com/NISC-lab-unime/biofeedback-server/internal/export"
	"github.com/NISC-lab-unime/biofeedback-server/internal/scenario"
	"github.com/NISC-lab-unime/biofeedback-server/internal/sim"
)

// ErrClosed is returned by Read after Close.
var ErrClosed = errors.New("source closed")

// Source produces one reading per call.
type Source interface {
	Read() (sim.Reading, error)
	// SetScenario changes the target envelope of generated signals.
	// Sources that measure or replay real signals ignore it.
	SetScenario(sc scenario.Scenario)
	Close() error
}

// Kind names a source implementation in configuration.
type Kind string

const (
	KindSimulator Kind = "simulator"
	KindReplay    Kind = "replay"
)

// Factory builds a fresh source for each new session.
type Factory func(sc scenario.Scenario, seed uint64) (Source, error)

// NewFactory returns the factory for kind. Replay logs are loaded once and
// shared read-only between sessions.
func NewFactory(kind Kind, replayPath string, now func() time.Time) (Factory, error) {
	if now == nil {
		now = time.Now
	}
	switch kind {
	case KindSimulator, "":
		return func(sc scenario.Scenario, seed uint64) (Source, error) {
			return NewSimulated(sc, seed, now), nil
		}, nil
	case KindReplay:
		l, err := export.ReadJSON(replayPath)
		if err != nil {
			return nil, err
		}
		if len(l.Data) == 0 {
			return nil, fmt.Errorf("replay log %s has no samples", replayPath)
		}
		return func(scenario.Scenario, uint64) (Source, error) {
			return NewReplay(l.Data), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", kind)
	}
}
