// Package freshness maps a sensor ratio onto a freshness classification.
package freshness

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidReading marks sensor data that cannot be classified.
var ErrInvalidReading = errors.New("invalid reading")

// State is the freshness classification of a single reading.
type State string

const (
	StateFresh   State = "fresh"
	StateWarning State = "warning"
	StateSpoiled State = "spoiled"
)

// Thresholds bound the three freshness bands. FreshMin must exceed WarningMin.
type Thresholds struct {
	FreshMin   float64 `mapstructure:"fresh_min"`
	WarningMin float64 `mapstructure:"warning_min"`
}

// Validate enforces fresh_min > warning_min >= 0.
func (t Thresholds) Validate() error {
	if !isFinite(t.FreshMin) || !isFinite(t.WarningMin) {
		return fmt.Errorf("thresholds must be finite")
	}
	if t.WarningMin < 0 {
		return fmt.Errorf("thresholds.warning_min cannot be negative")
	}
	if t.FreshMin <= t.WarningMin {
		return fmt.Errorf("thresholds.fresh_min (%g) must be greater than thresholds.warning_min (%g)", t.FreshMin, t.WarningMin)
	}
	return nil
}

// Classify returns the band the ratio falls into. Band edges belong to the lower band.
func Classify(ratio float64, t Thresholds) (State, error) {
	if !isFinite(ratio) || ratio < 0 {
		return "", fmt.Errorf("%w: ratio %v out of range", ErrInvalidReading, ratio)
	}
	switch {
	case ratio > t.FreshMin:
		return StateFresh, nil
	case ratio > t.WarningMin:
		return StateWarning, nil
	default:
		return StateSpoiled, nil
	}
}

// CheckResistances rejects non-positive or non-finite Ro/Rs values.
func CheckResistances(ro, rs float64) error {
	if !isFinite(ro) || ro <= 0 {
		return fmt.Errorf("%w: Ro %v must be positive", ErrInvalidReading, ro)
	}
	if !isFinite(rs) || rs <= 0 {
		return fmt.Errorf("%w: Rs %v must be positive", ErrInvalidReading, rs)
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
