// Package scenario holds the catalog of physiological regimes the simulator
// drifts toward. Scenarios are plain data: a list of phases with target
// ramps and oscillation parameters, looked up by name.
package scenario

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidScenario is returned when a name is not in the catalog.
var ErrInvalidScenario = errors.New("invalid scenario")

const (
	Baseline      = "baseline"
	StressBuildup = "stress_buildup"
	Recovery      = "recovery"
	Mixed         = "mixed"

	// Default is the scenario new sessions start in.
	Default = Baseline
)

// Resting values shared by every scenario. Stress is measured against these
// until a session computes its own baseline.
const (
	RestingHR  = 75.0
	RestingEDA = 2.0
	RestingHRV = 45.0
)

// Ramp moves a target linearly from From to To over the given duration and
// then holds at To. A zero Over holds at To from the start.
type Ramp struct {
	From float64
	To   float64
	Over time.Duration
}

// At returns the ramp value at t into the phase.
func (r Ramp) At(t time.Duration) float64 {
	if r.Over <= 0 || t >= r.Over {
		return r.To
	}
	if t <= 0 {
		return r.From
	}
	frac := float64(t) / float64(r.Over)
	return r.From + (r.To-r.From)*frac
}

// Wave is a sinusoid with a fixed amplitude and period.
type Wave struct {
	Amplitude float64
	Period    time.Duration
}

// At evaluates the wave at absolute time t.
func (w Wave) At(t time.Duration) float64 {
	if w.Amplitude == 0 || w.Period <= 0 {
		return 0
	}
	return w.Amplitude * math.Sin(2*math.Pi*t.Seconds()/w.Period.Seconds())
}

// Signal is the envelope of one measured signal inside a phase.
type Signal struct {
	Target Ramp
	// Drift is slow variation added to the target before smoothing.
	Drift Wave
	// Oscillation is added after smoothing; for HR it models respiratory
	// sinus arrhythmia.
	Oscillation Wave
	// Noise is the standard deviation of the additive noise. Samples are
	// clipped to two deviations so the noise stays bounded.
	Noise float64
}

// Phase is one stage of a scenario. A zero Duration never ends.
type Phase struct {
	Name     string
	Duration time.Duration
	HR       Signal
	EDA      Signal
}

// Scenario is an immutable named regime.
type Scenario struct {
	Name   string
	Phases []Phase
	// Cycle restarts the phase list once the last phase ends.
	Cycle bool
}

// Targets is the evaluated envelope at a point in time.
type Targets struct {
	Phase string
	HR    Signal
	EDA   Signal
	// HRTarget and EDATarget include the ramp and the slow drift.
	HRTarget  float64
	EDATarget float64
}

// PhaseAt returns the active phase and the time elapsed inside it.
func (s Scenario) PhaseAt(elapsed time.Duration) (Phase, time.Duration) {
	if len(s.Phases) == 0 {
		return Phase{}, elapsed
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if s.Cycle {
		if total := s.cycleLength(); total > 0 {
			elapsed %= total
		}
	}
	for i, p := range s.Phases {
		if p.Duration <= 0 || elapsed < p.Duration || i == len(s.Phases)-1 {
			return p, elapsed
		}
		elapsed -= p.Duration
	}
	return s.Phases[len(s.Phases)-1], elapsed
}

func (s Scenario) cycleLength() time.Duration {
	var total time.Duration
	for _, p := range s.Phases {
		if p.Duration <= 0 {
			return 0
		}
		total += p.Duration
	}
	return total
}

// Evaluate computes the targets for a scenario that has been active for
// elapsed. clock is the simulator's own time base, which keeps drift waves
// continuous across scenario switches.
func (s Scenario) Evaluate(elapsed, clock time.Duration) Targets {
	p, inPhase := s.PhaseAt(elapsed)
	return Targets{
		Phase:     p.Name,
		HR:        p.HR,
		EDA:       p.EDA,
		HRTarget:  p.HR.Target.At(inPhase) + p.HR.Drift.At(clock),
		EDATarget: p.EDA.Target.At(inPhase) + p.EDA.Drift.At(clock),
	}
}

// Lookup returns the scenario registered under name.
func Lookup(name string) (Scenario, error) {
	sc, ok := catalog[name]
	if !ok {
		return Scenario{}, fmt.Errorf("%w: %q", ErrInvalidScenario, name)
	}
	return sc, nil
}

// MustLookup is Lookup for names known at compile time.
func MustLookup(name string) Scenario {
	sc, err := Lookup(name)
	if err != nil {
		panic(err)
	}
	return sc
}

// Valid reports whether name is in the catalog.
func Valid(name string) bool {
	_, ok := catalog[name]
	return ok
}

// Names lists the catalog in a stable order.
func Names() []string {
	return []string{Baseline, StressBuildup, Recovery, Mixed}
}

// All returns every scenario in catalog order.
func All() []Scenario {
	names := Names()
	out := make([]Scenario, 0, len(names))
	for _, n := range names {
		out = append(out, catalog[n])
	}
	return out
}
