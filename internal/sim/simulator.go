// Package sim generates temporally coherent HR, EDA and HRV samples for a
// scenario. A Simulator is a deterministic function of its seed, its
// scenario sequence and the time steps it is advanced by. It performs no
// I/O and is not safe for concurrent use; each session owns exactly one.
package sim

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/NISC-lab-unime/biofeedback-server/internal/scenario"
)

// Smoothing time constants. Scenario switches move the levels toward the
// new targets with these, so there is never a discontinuity.
const (
	TauHR  = 4 * time.Second
	TauEDA = 8 * time.Second
)

// HRVWindow is the number of recent HR values HRV is derived from.
const HRVWindow = 20

// noiseClip bounds noise to this many standard deviations.
const noiseClip = 2.0

// Simulator holds the evolving state of one session's signals.
type Simulator struct {
	rng *rand.Rand

	start time.Time
	clock time.Duration // total simulated time

	scenario      scenario.Scenario
	scenarioSince time.Duration // clock value when the scenario became active

	hr, eda float64 // smoothed levels before oscillation and noise
	history []float64
	seq     uint64
	last    Sample
}

// New creates a simulator resting at the baseline levels. Timestamps of the
// produced samples are start plus the simulated elapsed time.
func New(sc scenario.Scenario, seed uint64, start time.Time) *Simulator {
	return &Simulator{
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		start:    start,
		scenario: sc,
		hr:       scenario.RestingHR,
		eda:      scenario.RestingEDA,
		history:  make([]float64, 0, HRVWindow),
	}
}

// Scenario returns the active scenario.
func (s *Simulator) Scenario() scenario.Scenario {
	return s.scenario
}

// SetScenario swaps the target envelope. Levels, oscillation phase and the
// sample counter carry over.
func (s *Simulator) SetScenario(sc scenario.Scenario) {
	s.scenario = sc
	s.scenarioSince = s.clock
}

// Elapsed is the total simulated time.
func (s *Simulator) Elapsed() time.Duration {
	return s.clock
}

// Last returns the most recent sample and whether one exists.
func (s *Simulator) Last() (Sample, bool) {
	return s.last, s.seq > 0
}

// Advance moves the simulation forward by dt and emits one sample.
func (s *Simulator) Advance(dt time.Duration) Sample {
	if dt < 0 {
		dt = 0
	}
	s.clock += dt

	tg := s.scenario.Evaluate(s.clock-s.scenarioSince, s.clock)

	s.hr = clamp(s.hr+(tg.HRTarget-s.hr)*smoothing(dt, TauHR), HRMin, HRMax)
	s.eda = clamp(s.eda+(tg.EDATarget-s.eda)*smoothing(dt, TauEDA), EDAMin, EDAMax)

	// Both noise draws happen every tick so the random stream stays aligned
	// regardless of which scenario is active.
	hrNoise := s.noise(tg.HR.Noise)
	edaNoise := s.noise(tg.EDA.Noise)

	hr := clamp(s.hr+tg.HR.Oscillation.At(s.clock)+hrNoise, HRMin, HRMax)
	eda := clamp(s.eda+tg.EDA.Oscillation.At(s.clock)+edaNoise, EDAMin, EDAMax)

	s.remember(hr)
	s.seq++

	r := Reading{HR: hr, EDA: eda, HRV: HRV(s.history)}
	s.last = NewSample(s.seq, s.start.Add(s.clock), s.clock, s.scenario.Name, r, DefaultReference)
	return s.last
}

func (s *Simulator) noise(sigma float64) float64 {
	n := clamp(s.rng.NormFloat64(), -noiseClip, noiseClip)
	return n * sigma
}

func (s *Simulator) remember(hr float64) {
	if len(s.history) == HRVWindow {
		copy(s.history, s.history[1:])
		s.history = s.history[:HRVWindow-1]
	}
	s.history = append(s.history, hr)
}

// smoothing is the fraction of the remaining distance covered in dt by a
// first-order system with time constant tau.
func smoothing(dt, tau time.Duration) float64 {
	if dt <= 0 {
		return 0
	}
	return 1 - math.Exp(-dt.Seconds()/tau.Seconds())
}

// HRV coefficients.
const (
	hrvScale = scenario.RestingHRV
	hrvGain  = 0.5
)

// HRV derives an SDNN-style value from recent heart rates. It falls as the
// mean rate rises and grows with the spread of the beat intervals, so
// sustained high, steady rates give low HRV.
func HRV(history []float64) float64 {
	if len(history) == 0 {
		return clamp(hrvScale, HRVMin, HRVMax)
	}
	var sumHR, sumRR float64
	rr := make([]float64, len(history))
	for i, hr := range history {
		sumHR += hr
		rr[i] = 60000 / hr
		sumRR += rr[i]
	}
	meanHR := sumHR / float64(len(history))
	meanRR := sumRR / float64(len(rr))

	var variance float64
	for _, v := range rr {
		variance += (v - meanRR) * (v - meanRR)
	}
	sd := math.Sqrt(variance / float64(len(rr)))

	ratio := scenario.RestingHR / meanHR
	return clamp(hrvScale*ratio*ratio+hrvGain*sd, HRVMin, HRVMax)
}

// MaxStepHR bounds the change in emitted HR between two consecutive ticks
// dt apart, for any catalog scenario and any switch between them.
func MaxStepHR(dt time.Duration) float64 {
	lo, hi, osc, noise := extent(func(p scenario.Phase) scenario.Signal { return p.HR })
	return smoothing(dt, TauHR)*(hi-lo) + 2*osc + 2*noiseClip*noise
}

// MaxStepEDA is MaxStepHR for EDA.
func MaxStepEDA(dt time.Duration) float64 {
	lo, hi, osc, noise := extent(func(p scenario.Phase) scenario.Signal { return p.EDA })
	return smoothing(dt, TauEDA)*(hi-lo) + 2*osc + 2*noiseClip*noise
}

func extent(pick func(scenario.Phase) scenario.Signal) (lo, hi, osc, noise float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, sc := range scenario.All() {
		for _, p := range sc.Phases {
			sig := pick(p)
			d := math.Abs(sig.Drift.Amplitude)
			lo = math.Min(lo, math.Min(sig.Target.From, sig.Target.To)-d)
			hi = math.Max(hi, math.Max(sig.Target.From, sig.Target.To)+d)
			osc = math.Max(osc, math.Abs(sig.Oscillation.Amplitude))
			noise = math.Max(noise, sig.Noise)
		}
	}
	return lo, hi, osc, noise
}
