package freshness

import (
	"errors"
	"math"
	"testing"
)

var defaultThresholds = Thresholds{FreshMin: 0.8, WarningMin: 0.5}

func TestClassifyBands(t *testing.T) {
	cases := []struct {
		ratio float64
		want  State
	}{
		{1.5, StateFresh},
		{0.8000001, StateFresh},
		{0.8, StateWarning},
		{0.65, StateWarning},
		{0.5000001, StateWarning},
		{0.5, StateSpoiled},
		{0.1, StateSpoiled},
		{0, StateSpoiled},
	}

	for _, tc := range cases {
		got, err := Classify(tc.ratio, defaultThresholds)
		if err != nil {
			t.Fatalf("ratio %v: unexpected error %v", tc.ratio, err)
		}
		if got != tc.want {
			t.Fatalf("ratio %v: want %s, got %s", tc.ratio, tc.want, got)
		}
	}
}

func TestClassifyRejectsInvalidRatios(t *testing.T) {
	for _, ratio := range []float64{-0.01, math.NaN(), math.Inf(1), math.Inf(-1)} {
		state, err := Classify(ratio, defaultThresholds)
		if !errors.Is(err, ErrInvalidReading) {
			t.Fatalf("ratio %v: want ErrInvalidReading, got %v", ratio, err)
		}
		if state != "" {
			t.Fatalf("ratio %v: state should be empty, got %s", ratio, state)
		}
	}
}

func TestClassifyMatchesBandDefinition(t *testing.T) {
	for i := 0; i <= 2000; i++ {
		r := float64(i) / 1000
		got, err := Classify(r, defaultThresholds)
		if err != nil {
			t.Fatalf("ratio %v: %v", r, err)
		}
		if (got == StateFresh) != (r > defaultThresholds.FreshMin) {
			t.Fatalf("ratio %v: fresh mismatch, got %s", r, got)
		}
		if (got == StateSpoiled) != (r <= defaultThresholds.WarningMin) {
			t.Fatalf("ratio %v: spoiled mismatch, got %s", r, got)
		}
	}
}

func TestThresholdsValidate(t *testing.T) {
	if err := defaultThresholds.Validate(); err != nil {
		t.Fatalf("default thresholds should be valid: %v", err)
	}
	bad := []Thresholds{
		{FreshMin: 0.5, WarningMin: 0.5},
		{FreshMin: 0.4, WarningMin: 0.5},
		{FreshMin: 0.8, WarningMin: -0.1},
		{FreshMin: math.NaN(), WarningMin: 0.5},
	}
	for _, th := range bad {
		if err := th.Validate(); err == nil {
			t.Fatalf("thresholds %+v should be rejected", th)
		}
	}
}

func TestCheckResistances(t *testing.T) {
	if err := CheckResistances(350000, 180000); err != nil {
		t.Fatalf("valid resistances rejected: %v", err)
	}
	if err := CheckResistances(0, 1); !errors.Is(err, ErrInvalidReading) {
		t.Fatalf("zero Ro should be invalid, got %v", err)
	}
	if err := CheckResistances(1, math.Inf(1)); !errors.Is(err, ErrInvalidReading) {
		t.Fatalf("infinite Rs should be invalid, got %v", err)
	}
}
