package scenario

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestLookup(t *testing.T) {
	for _, name := range Names() {
		sc, err := Lookup(name)
		if err != nil {
			t.Fatalf("Lookup(%q) error: %v", name, err)
		}
		if sc.Name != name {
			t.Errorf("Lookup(%q).Name = %q", name, sc.Name)
		}
		if len(sc.Phases) == 0 {
			t.Errorf("scenario %q has no phases", name)
		}
	}
}

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup("panic_attack")
	if !errors.Is(err, ErrInvalidScenario) {
		t.Fatalf("Lookup(unknown) error = %v, want ErrInvalidScenario", err)
	}
	if Valid("panic_attack") {
		t.Error("Valid(unknown) = true")
	}
	if !Valid(Default) {
		t.Error("Valid(Default) = false")
	}
}

func TestRampAt(t *testing.T) {
	r := Ramp{From: 75, To: 95, Over: 30 * time.Second}
	tests := []struct {
		at   time.Duration
		want float64
	}{
		{-time.Second, 75},
		{0, 75},
		{15 * time.Second, 85},
		{30 * time.Second, 95},
		{time.Hour, 95},
	}
	for _, tt := range tests {
		if got := r.At(tt.at); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("At(%v) = %v, want %v", tt.at, got, tt.want)
		}
	}

	hold := Ramp{From: 1, To: 2}
	if got := hold.At(0); got != 2 {
		t.Errorf("zero-length ramp At(0) = %v, want 2", got)
	}
}

func TestStressBuildupRisesToCeiling(t *testing.T) {
	sc := MustLookup(StressBuildup)
	early := sc.Evaluate(0, 0)
	late := sc.Evaluate(10*time.Minute, 0)
	if early.HRTarget >= late.HRTarget {
		t.Errorf("HR target did not rise: %v -> %v", early.HRTarget, late.HRTarget)
	}
	if late.HRTarget != 95 {
		t.Errorf("HR ceiling = %v, want 95", late.HRTarget)
	}
	if late.EDATarget != 4 {
		t.Errorf("EDA ceiling = %v, want 4", late.EDATarget)
	}
}

func TestRecoveryFallsToBaseline(t *testing.T) {
	sc := MustLookup(Recovery)
	if got := sc.Evaluate(0, 0).HRTarget; got != 90 {
		t.Errorf("recovery start HR = %v, want 90", got)
	}
	if got := sc.Evaluate(time.Minute, 0).HRTarget; got != RestingHR {
		t.Errorf("recovery end HR = %v, want %v", got, RestingHR)
	}
}

func TestMixedCyclesPhases(t *testing.T) {
	sc := MustLookup(Mixed)
	tests := []struct {
		at   time.Duration
		want string
	}{
		{0, "calm"},
		{19 * time.Second, "calm"},
		{20 * time.Second, "stress"},
		{45 * time.Second, "recovery"},
		{60 * time.Second, "calm"},
		{85 * time.Second, "stress"},
	}
	for _, tt := range tests {
		p, _ := sc.PhaseAt(tt.at)
		if p.Name != tt.want {
			t.Errorf("PhaseAt(%v) = %q, want %q", tt.at, p.Name, tt.want)
		}
	}
}

func TestOpenEndedPhaseHolds(t *testing.T) {
	sc := MustLookup(Baseline)
	p, in := sc.PhaseAt(time.Hour)
	if p.Name != "calm" {
		t.Errorf("phase = %q, want calm", p.Name)
	}
	if in != time.Hour {
		t.Errorf("in-phase time = %v, want 1h", in)
	}
}
