package storage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"spoilwatch/internal/alerting"
	"spoilwatch/internal/device"
)

// MemoryStore is an in-process Repository. State is lost on restart, so it only
// suits single-instance runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	readings []ReadingRecord
	alerts   map[string]alerting.Alert
	devices  map[string]DeviceRecord
	nextID   int64

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts:  make(map[string]alerting.Alert),
		devices: make(map[string]DeviceRecord),
		locks:   make(map[string]*sync.Mutex),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithDeviceLock runs fn under the per-device mutex, skipping when it is held.
func (m *MemoryStore) WithDeviceLock(_ context.Context, deviceID string, fn func(tx AlertTx) error) (bool, error) {
	m.locksMu.Lock()
	lock, ok := m.locks[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[deviceID] = lock
	}
	m.locksMu.Unlock()

	if !lock.TryLock() {
		return false, nil
	}
	defer lock.Unlock()
	return true, fn(m)
}

// AppendReading stores a copy of the record.
func (m *MemoryStore) AppendReading(_ context.Context, rec ReadingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	rec.ID = m.nextID
	rec.CreatedAt = m.now()
	m.readings = append(m.readings, rec)
	return nil
}

// QueryReadings lists a device's readings in [from, to), oldest first.
func (m *MemoryStore) QueryReadings(_ context.Context, deviceID string, from, to time.Time) ([]ReadingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ReadingRecord, 0)
	for _, rec := range m.readings {
		at := rec.Reading.ObservedAt
		if rec.Reading.DeviceID != deviceID || at.Before(from) || !at.Before(to) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Reading.ObservedAt.Before(out[j].Reading.ObservedAt)
	})
	return out, nil
}

// ListRecentReadings lists the newest readings first.
func (m *MemoryStore) ListRecentReadings(_ context.Context, deviceID string, limit int) ([]ReadingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ReadingRecord, 0)
	for _, rec := range m.readings {
		if rec.Reading.DeviceID == deviceID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Reading.ObservedAt, out[j].Reading.ObservedAt
		if a.Equal(b) {
			return out[i].ID > out[j].ID
		}
		return a.After(b)
	})
	if len(out) > limit {
		out = out[:max(limit, 0)]
	}
	return out, nil
}

// GetOpenAlert returns a copy of the device's open alert, or nil.
func (m *MemoryStore) GetOpenAlert(_ context.Context, deviceID string) (*alerting.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *alerting.Alert
	for _, alert := range m.alerts {
		if alert.DeviceID != deviceID || alert.Status != alerting.StatusOpen {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: device %s has more than one open alert", alerting.ErrInconsistentAlertState, deviceID)
		}
		a := cloneAlert(alert)
		found = &a
	}
	return found, nil
}

// UpsertAlert inserts or replaces an alert, refusing a second open alert per device.
func (m *MemoryStore) UpsertAlert(_ context.Context, alert alerting.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.alerts[alert.ID]; ok && existing.DeviceID != alert.DeviceID {
		return fmt.Errorf("%w: alert %s is owned by another device", alerting.ErrInconsistentAlertState, alert.ID)
	}
	if alert.Status == alerting.StatusOpen {
		for id, other := range m.alerts {
			if id != alert.ID && other.DeviceID == alert.DeviceID && other.Status == alerting.StatusOpen {
				return fmt.Errorf("%w: second open alert for device %s", alerting.ErrInconsistentAlertState, alert.DeviceID)
			}
		}
	}
	m.alerts[alert.ID] = cloneAlert(alert)
	return nil
}

// ListRecentAlerts lists alerts newest first; an empty device id lists every device.
func (m *MemoryStore) ListRecentAlerts(_ context.Context, deviceID string, limit int) ([]alerting.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]alerting.Alert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		if deviceID == "" || alert.DeviceID == deviceID {
			out = append(out, cloneAlert(alert))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenedAt.After(out[j].OpenedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// QueryAlerts lists alerts opened in [from, to), oldest first.
func (m *MemoryStore) QueryAlerts(_ context.Context, deviceID string, from, to time.Time) ([]alerting.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]alerting.Alert, 0)
	for _, alert := range m.alerts {
		if deviceID != "" && alert.DeviceID != deviceID {
			continue
		}
		if alert.OpenedAt.Before(from) || !alert.OpenedAt.Before(to) {
			continue
		}
		out = append(out, cloneAlert(alert))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out, nil
}

// TouchDevice records that a board answered; LastSeen never moves backwards.
func (m *MemoryStore) TouchDevice(_ context.Context, deviceID, address string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.deviceLocked(deviceID)
	if address != "" {
		rec.Address = address
	}
	if rec.LastSeen == nil || seenAt.After(*rec.LastSeen) {
		t := seenAt
		rec.LastSeen = &t
	}
	m.devices[deviceID] = rec
	return nil
}

// RecordCalibration stores the baseline resistance a board reported.
func (m *MemoryStore) RecordCalibration(_ context.Context, address string, result device.CalibrationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.deviceLocked(result.DeviceID)
	if address != "" {
		rec.Address = address
	}
	at := result.CalibratedAt
	rec.CalibrationRo = result.Ro
	rec.CalibratedAt = &at
	m.devices[result.DeviceID] = rec
	return nil
}

// ListDevices returns every registered board ordered by id.
func (m *MemoryStore) ListDevices(_ context.Context) ([]DeviceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]DeviceRecord, 0, len(m.devices))
	for _, rec := range m.devices {
		out = append(out, cloneDevice(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *MemoryStore) deviceLocked(deviceID string) DeviceRecord {
	rec, ok := m.devices[deviceID]
	if !ok {
		return DeviceRecord{DeviceID: deviceID, CalibrationRo: math.NaN()}
	}
	return cloneDevice(rec)
}

// DeleteBefore mirrors the postgres retention rules.
func (m *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (DeleteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res DeleteResult
	kept := m.readings[:0]
	for _, rec := range m.readings {
		if rec.Reading.ObservedAt.Before(cutoff) {
			res.Readings++
			continue
		}
		kept = append(kept, rec)
	}
	m.readings = kept

	for id, alert := range m.alerts {
		if alert.Status != alerting.StatusResolved {
			continue
		}
		ended := alert.OpenedAt
		if alert.ResolvedAt != nil {
			ended = *alert.ResolvedAt
		}
		if ended.Before(cutoff) {
			delete(m.alerts, id)
			res.Alerts++
		}
	}
	return res, nil
}

func cloneAlert(a alerting.Alert) alerting.Alert {
	if a.LastNotifiedAt != nil {
		t := *a.LastNotifiedAt
		a.LastNotifiedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		a.ResolvedAt = &t
	}
	return a
}

func cloneDevice(d DeviceRecord) DeviceRecord {
	if d.LastSeen != nil {
		t := *d.LastSeen
		d.LastSeen = &t
	}
	if d.CalibratedAt != nil {
		t := *d.CalibratedAt
		d.CalibratedAt = &t
	}
	return d
}

var _ Repository = (*MemoryStore)(nil)
