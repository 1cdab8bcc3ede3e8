package sim

import "time"

// CalibrationPhase describes where a session is in the baseline protocol.
type CalibrationPhase string

const (
	CalibrationDisabled     CalibrationPhase = "disabled"
	CalibrationResting      CalibrationPhase = "resting"
	CalibrationCollecting   CalibrationPhase = "collecting"
	CalibrationComplete     CalibrationPhase = "calibrated"
	CalibrationInsufficient CalibrationPhase = "uncalibrated"
)

// CalibrationStatus is reported to clients in status replies.
type CalibrationStatus struct {
	Phase          CalibrationPhase `json:"phase"`
	RestingSeconds float64          `json:"resting_period_seconds"`
	WindowSeconds  float64          `json:"baseline_window_seconds"`
	Samples        int              `json:"baseline_samples_collected"`
	Reference      *Reference       `json:"reference,omitempty"`
}

// Calibrator implements the baseline protocol: readings observed during the
// window that follows the resting period are averaged into the reference
// stress is measured against. Until then DefaultReference applies.
type Calibrator struct {
	resting    time.Duration
	window     time.Duration
	minSamples int
	enabled    bool

	sum   Reading
	count int
	phase CalibrationPhase
	ref   Reference
}

// NewCalibrator returns a calibrator. A zero window disables calibration.
func NewCalibrator(resting, window time.Duration, minSamples int) *Calibrator {
	c := &Calibrator{
		resting:    resting,
		window:     window,
		minSamples: minSamples,
		enabled:    window > 0,
		phase:      CalibrationResting,
		ref:        DefaultReference,
	}
	if !c.enabled {
		c.phase = CalibrationDisabled
	}
	if c.minSamples < 1 {
		c.minSamples = 1
	}
	return c
}

// Observe feeds a reading taken at elapsed session time.
func (c *Calibrator) Observe(elapsed time.Duration, r Reading) {
	if !c.enabled || c.phase == CalibrationComplete || c.phase == CalibrationInsufficient {
		return
	}
	switch {
	case elapsed < c.resting:
		c.phase = CalibrationResting
	case elapsed < c.resting+c.window:
		c.phase = CalibrationCollecting
		c.sum.HR += r.HR
		c.sum.EDA += r.EDA
		c.sum.HRV += r.HRV
		c.count++
	default:
		c.finish()
	}
}

func (c *Calibrator) finish() {
	if c.count < c.minSamples {
		c.phase = CalibrationInsufficient
		return
	}
	n := float64(c.count)
	c.ref = Reference{HR: c.sum.HR / n, EDA: c.sum.EDA / n, HRV: c.sum.HRV / n}
	c.phase = CalibrationComplete
}

// Reference returns the reference currently in force.
func (c *Calibrator) Reference() Reference {
	return c.ref
}

// Status reports calibration progress.
func (c *Calibrator) Status() CalibrationStatus {
	st := CalibrationStatus{
		Phase:          c.phase,
		RestingSeconds: c.resting.Seconds(),
		WindowSeconds:  c.window.Seconds(),
		Samples:        c.count,
	}
	if c.phase == CalibrationComplete {
		ref := c.ref
		st.Reference = &ref
	}
	return st
}
