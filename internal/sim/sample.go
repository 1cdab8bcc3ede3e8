package sim

import (
	"math"
	"time"

	"github.com/NISC-lab-unime/biofeedback-server/internal/scenario"
)

// Hard physiological envelope. Every emitted value is clamped into it.
const (
	HRMin     = 45.0
	HRMax     = 180.0
	EDAMin    = 0.1
	EDAMax    = 10.0
	HRVMin    = 10.0
	HRVMax    = 200.0
	StressMin = 0.0
	StressMax = 100.0
)

// Reading is one raw measurement, as produced by a simulator or a sensor.
type Reading struct {
	HR  float64 `json:"hr"`
	EDA float64 `json:"eda"`
	HRV float64 `json:"hrv"`
}

// Reference is the resting level stress is measured against.
type Reference struct {
	HR  float64 `json:"hr"`
	EDA float64 `json:"eda"`
	HRV float64 `json:"hrv"`
}

// DefaultReference is used until a session calibrates its own baseline.
var DefaultReference = Reference{
	HR:  scenario.RestingHR,
	EDA: scenario.RestingEDA,
	HRV: scenario.RestingHRV,
}

// Sample is the immutable value produced per tick.
type Sample struct {
	Seq       uint64
	Timestamp time.Time
	Elapsed   time.Duration
	HR        float64
	EDA       float64
	HRV       float64
	Stress    float64
	Scenario  string
}

// Reading returns the raw signal part of the sample.
func (s Sample) Reading() Reading {
	return Reading{HR: s.HR, EDA: s.EDA, HRV: s.HRV}
}

// Stress weights and normalization spans.
const (
	stressWeightHR  = 0.4
	stressWeightEDA = 0.4
	stressWeightHRV = 0.2

	stressSpanHR  = 40.0 // bpm above reference for full HR contribution
	stressSpanEDA = 4.0  // µS above reference for full EDA contribution
)

// Stress derives the 0-100 stress index from a reading. HR and EDA count
// only when elevated above the reference; HRV counts only when depressed
// below it.
func Stress(r Reading, ref Reference) float64 {
	hrNorm := clamp((r.HR-ref.HR)/stressSpanHR, 0, 1)
	edaNorm := clamp((r.EDA-ref.EDA)/stressSpanEDA, 0, 1)
	hrvNorm := 0.0
	if ref.HRV > 0 {
		hrvNorm = clamp((ref.HRV-r.HRV)/ref.HRV, 0, 1)
	}
	idx := 100 * (stressWeightHR*hrNorm + stressWeightEDA*edaNorm + stressWeightHRV*hrvNorm)
	return clamp(idx, StressMin, StressMax)
}

// NewSample clamps a reading into the envelope and derives its stress index.
func NewSample(seq uint64, ts time.Time, elapsed time.Duration, scenarioName string, r Reading, ref Reference) Sample {
	r = ClampReading(r)
	return Sample{
		Seq:       seq,
		Timestamp: ts,
		Elapsed:   elapsed,
		HR:        r.HR,
		EDA:       r.EDA,
		HRV:       r.HRV,
		Stress:    Stress(r, ref),
		Scenario:  scenarioName,
	}
}

// ClampReading forces a reading into the physiological envelope. NaN values
// collapse to the lower bound.
func ClampReading(r Reading) Reading {
	return Reading{
		HR:  clamp(r.HR, HRMin, HRMax),
		EDA: clamp(r.EDA, EDAMin, EDAMax),
		HRV: clamp(r.HRV, HRVMin, HRVMax),
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(v, hi))
}
