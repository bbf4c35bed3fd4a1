// Package device talks to the gas-sensor boards.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDeviceUnreachable wraps transport failures and timeouts.
var ErrDeviceUnreachable = errors.New("device unreachable")

// Device identifies one polled sensor board.
type Device struct {
	ID      string
	Address string
}

// ParseDevice reads an "id=url" entry. A bare URL uses the host as id.
func ParseDevice(entry string) (Device, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return Device{}, errors.New("empty device entry")
	}
	id, addr, ok := strings.Cut(entry, "=")
	if !ok {
		addr = entry
		id = strings.TrimPrefix(strings.TrimPrefix(entry, "http://"), "https://")
		id = strings.TrimRight(id, "/")
	}
	id = strings.TrimSpace(id)
	addr = strings.TrimSpace(addr)
	if id == "" || addr == "" {
		return Device{}, fmt.Errorf("device entry %q must look like id=url", entry)
	}
	return Device{ID: id, Address: addr}, nil
}

// Reading is one raw sample from a board.
type Reading struct {
	DeviceID   string
	Ro         float64
	Rs         float64
	Ratio      float64
	Vout       float64
	Status     string
	ObservedAt time.Time
}

// Timestamp normalises an observation time to what PostgreSQL can store:
// UTC with microsecond precision.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// CalibrationResult is the device-reported baseline resistance.
type CalibrationResult struct {
	DeviceID     string
	Ro           float64
	CalibratedAt time.Time
}

// Transport fetches readings from a board address.
type Transport interface {
	GetStatus(ctx context.Context, deviceID, address string) (Reading, error)
	GetCalibration(ctx context.Context, deviceID, address string) (CalibrationResult, error)
}
