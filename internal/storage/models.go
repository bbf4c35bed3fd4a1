package storage

import (
	"time"

	"spoilwatch/internal/device"
	"spoilwatch/internal/freshness"
)

// ReadingRecord is a persisted reading. Invalid readings carry no state and an error message.
type ReadingRecord struct {
	ID        int64
	Reading   device.Reading
	State     freshness.State
	Valid     bool
	Error     string
	CreatedAt time.Time
}

// DeleteResult reports how many rows a retention pass removed. Skipped is set
// when another instance was already sweeping.
type DeleteResult struct {
	Readings int64
	Alerts   int64
	Skipped  bool
}

// DeviceRecord is the persisted registry entry of a board. CalibrationRo is NaN
// until the device has been calibrated.
type DeviceRecord struct {
	DeviceID      string
	Address       string
	LastSeen      *time.Time
	CalibrationRo float64
	CalibratedAt  *time.Time
}
