package scenario

import "time"

var (
	calmHR = Signal{
		Target:      Ramp{From: RestingHR, To: RestingHR},
		Drift:       Wave{Amplitude: 2, Period: 45 * time.Second},
		Oscillation: Wave{Amplitude: 1.5, Period: 12 * time.Second},
		Noise:       0.5,
	}
	calmEDA = Signal{
		Target:      Ramp{From: RestingEDA, To: RestingEDA},
		Drift:       Wave{Amplitude: 0.3, Period: 60 * time.Second},
		Oscillation: Wave{Amplitude: 0.15, Period: 25 * time.Second},
		Noise:       0.05,
	}
)

var catalog = map[string]Scenario{
	Baseline: {
		Name: Baseline,
		Phases: []Phase{
			{Name: "calm", HR: calmHR, EDA: calmEDA},
		},
	},
	StressBuildup: {
		Name: StressBuildup,
		Phases: []Phase{
			{
				Name: "buildup",
				HR: Signal{
					Target:      Ramp{From: RestingHR, To: 95, Over: 30 * time.Second},
					Drift:       Wave{Amplitude: 1.5, Period: 30 * time.Second},
					Oscillation: Wave{Amplitude: 1, Period: 8 * time.Second},
					Noise:       0.8,
				},
				EDA: Signal{
					Target:      Ramp{From: RestingEDA, To: 4, Over: 45 * time.Second},
					Drift:       Wave{Amplitude: 0.3, Period: 40 * time.Second},
					Oscillation: Wave{Amplitude: 0.2, Period: 15 * time.Second},
					Noise:       0.1,
				},
			},
		},
	},
	Recovery: {
		Name: Recovery,
		Phases: []Phase{
			{
				Name: "recovery",
				HR: Signal{
					Target:      Ramp{From: 90, To: RestingHR, Over: 10 * time.Second},
					Drift:       Wave{Amplitude: 2, Period: 40 * time.Second},
					Oscillation: Wave{Amplitude: 1.5, Period: 12 * time.Second},
					Noise:       0.6,
				},
				EDA: Signal{
					Target:      Ramp{From: 3.8, To: RestingEDA, Over: 20 * time.Second},
					Drift:       Wave{Amplitude: 0.25, Period: 55 * time.Second},
					Oscillation: Wave{Amplitude: 0.15, Period: 28 * time.Second},
					Noise:       0.06,
				},
			},
		},
	},
	Mixed: {
		Name:  Mixed,
		Cycle: true,
		Phases: []Phase{
			{Name: "calm", Duration: 20 * time.Second, HR: calmHR, EDA: calmEDA},
			{
				Name:     "stress",
				Duration: 20 * time.Second,
				HR: Signal{
					Target:      Ramp{From: RestingHR, To: 100, Over: 20 * time.Second},
					Drift:       Wave{Amplitude: 2, Period: 20 * time.Second},
					Oscillation: Wave{Amplitude: 1, Period: 6 * time.Second},
					Noise:       1,
				},
				// EDA rises slower than HR and is cut off by the phase end.
				EDA: Signal{
					Target:      Ramp{From: RestingEDA, To: 4.5, Over: 30 * time.Second},
					Drift:       Wave{Amplitude: 0.4, Period: 30 * time.Second},
					Oscillation: Wave{Amplitude: 0.3, Period: 12 * time.Second},
					Noise:       0.12,
				},
			},
			{
				Name:     "recovery",
				Duration: 20 * time.Second,
				HR: Signal{
					Target:      Ramp{From: 100, To: RestingHR, Over: 20 * time.Second},
					Drift:       Wave{Amplitude: 1.5, Period: 35 * time.Second},
					Oscillation: Wave{Amplitude: 1.5, Period: 12 * time.Second},
					Noise:       0.7,
				},
				EDA: Signal{
					Target:      Ramp{From: 3.65, To: RestingEDA, Over: 20 * time.Second},
					Drift:       Wave{Amplitude: 0.3, Period: 45 * time.Second},
					Oscillation: Wave{Amplitude: 0.2, Period: 20 * time.Second},
					Noise:       0.08,
				},
			},
		},
	},
}
