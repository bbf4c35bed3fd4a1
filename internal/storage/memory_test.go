package storage

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"spoilwatch/internal/alerting"
	"spoilwatch/internal/device"
	"spoilwatch/internal/freshness"
)

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func sampleRecord(deviceID string, at time.Time, ratio float64, state freshness.State) ReadingRecord {
	return ReadingRecord{
		Reading: device.Reading{
			DeviceID:   deviceID,
			Ro:         412345.67,
			Rs:         412345.67 * ratio,
			Ratio:      ratio,
			Vout:       1.234,
			Status:     "ok",
			ObservedAt: at,
		},
		State: state,
		Valid: true,
	}
}

func TestMemoryReadingRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	want := sampleRecord("esp32_001", base.Add(time.Minute), 0.4321, freshness.StateSpoiled)
	require.NoError(t, store.AppendReading(ctx, want))
	require.NoError(t, store.AppendReading(ctx, sampleRecord("other", base.Add(time.Minute), 0.9, freshness.StateFresh)))
	require.NoError(t, store.AppendReading(ctx, sampleRecord("esp32_001", base.Add(time.Hour), 0.9, freshness.StateFresh)))

	got, err := store.QueryReadings(ctx, "esp32_001", base, base.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, want.Reading, got[0].Reading)
	require.Equal(t, want.State, got[0].State)
	require.True(t, got[0].Valid)
}

func TestMemoryQueryRangeIsHalfOpen(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.AppendReading(ctx, sampleRecord("dev", base, 0.9, freshness.StateFresh)))
	require.NoError(t, store.AppendReading(ctx, sampleRecord("dev", base.Add(time.Minute), 0.9, freshness.StateFresh)))

	got, err := store.QueryReadings(ctx, "dev", base, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, got[0].Reading.ObservedAt.Equal(base))
}

func TestMemoryListRecentReadings(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendReading(ctx, sampleRecord("dev", base.Add(time.Duration(i)*time.Minute), 0.9, freshness.StateFresh)))
	}
	got, err := store.ListRecentReadings(ctx, "dev", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, got[0].Reading.ObservedAt.Equal(base.Add(4*time.Minute)))
	require.True(t, got[1].Reading.ObservedAt.Equal(base.Add(3*time.Minute)))
}

func TestMemorySingleOpenAlertPerDevice(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first := alerting.Alert{ID: "a-1", DeviceID: "dev", OpenedAt: base, Status: alerting.StatusOpen, TriggeringRatio: 0.4}
	require.NoError(t, store.UpsertAlert(ctx, first))

	second := alerting.Alert{ID: "a-2", DeviceID: "dev", OpenedAt: base, Status: alerting.StatusOpen, TriggeringRatio: 0.3}
	err := store.UpsertAlert(ctx, second)
	require.True(t, errors.Is(err, alerting.ErrInconsistentAlertState), "got %v", err)

	open, err := store.GetOpenAlert(ctx, "dev")
	require.NoError(t, err)
	require.NotNil(t, open)
	require.Equal(t, "a-1", open.ID)

	resolvedAt := base.Add(time.Minute)
	first.Status = alerting.StatusResolved
	first.ResolvedAt = &resolvedAt
	require.NoError(t, store.UpsertAlert(ctx, first))
	require.NoError(t, store.UpsertAlert(ctx, second))

	open, err = store.GetOpenAlert(ctx, "dev")
	require.NoError(t, err)
	require.Equal(t, "a-2", open.ID)
}

func TestMemoryAlertSnapshotsAreCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	stamp := base
	require.NoError(t, store.UpsertAlert(ctx, alerting.Alert{ID: "a-1", DeviceID: "dev", Status: alerting.StatusOpen, LastNotifiedAt: &stamp}))

	open, err := store.GetOpenAlert(ctx, "dev")
	require.NoError(t, err)
	*open.LastNotifiedAt = base.Add(time.Hour)

	again, err := store.GetOpenAlert(ctx, "dev")
	require.NoError(t, err)
	require.True(t, again.LastNotifiedAt.Equal(base))
}

func TestMemoryRetentionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.AppendReading(ctx, sampleRecord("dev", base.Add(-48*time.Hour), 0.9, freshness.StateFresh)))
	require.NoError(t, store.AppendReading(ctx, sampleRecord("dev", base, 0.9, freshness.StateFresh)))

	resolvedAt := base.Add(-47 * time.Hour)
	require.NoError(t, store.UpsertAlert(ctx, alerting.Alert{ID: "old", DeviceID: "dev", OpenedAt: base.Add(-48 * time.Hour), Status: alerting.StatusResolved, ResolvedAt: &resolvedAt}))
	require.NoError(t, store.UpsertAlert(ctx, alerting.Alert{ID: "open", DeviceID: "dev", OpenedAt: base.Add(-48 * time.Hour), Status: alerting.StatusOpen}))

	cutoff := base.Add(-24 * time.Hour)
	first, err := store.DeleteBefore(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, DeleteResult{Readings: 1, Alerts: 1}, first)

	second, err := store.DeleteBefore(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, DeleteResult{}, second)

	open, err := store.GetOpenAlert(ctx, "dev")
	require.NoError(t, err)
	require.NotNil(t, open, "open alerts must survive retention")
}

func TestMemoryWithDeviceLock(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ran := false
	ok, err := store.WithDeviceLock(ctx, "dev", func(tx AlertTx) error {
		ran = true

		nested, err := store.WithDeviceLock(ctx, "dev", func(AlertTx) error {
			t.Fatal("second lock on the same device must not run")
			return nil
		})
		require.NoError(t, err)
		require.False(t, nested)

		other, err := store.WithDeviceLock(ctx, "other", func(AlertTx) error { return nil })
		require.NoError(t, err)
		require.True(t, other, "devices lock independently")

		return tx.UpsertAlert(ctx, alerting.Alert{ID: "a-1", DeviceID: "dev", OpenedAt: base, Status: alerting.StatusOpen})
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, ran)

	open, err := store.GetOpenAlert(ctx, "dev")
	require.NoError(t, err)
	require.Equal(t, "a-1", open.ID)

	failure := errors.New("boom")
	ok, err = store.WithDeviceLock(ctx, "dev", func(AlertTx) error { return failure })
	require.True(t, ok, "lock is released after the first call")
	require.ErrorIs(t, err, failure)
}

func TestMemoryListRecentReadingsOrdersByObservedAt(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	// the newest sample arrives first
	require.NoError(t, store.AppendReading(ctx, sampleRecord("dev", base.Add(10*time.Minute), 0.9, freshness.StateFresh)))
	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendReading(ctx, sampleRecord("dev", base.Add(time.Duration(i)*time.Minute), 0.9, freshness.StateFresh)))
	}

	got, err := store.ListRecentReadings(ctx, "dev", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, got[0].Reading.ObservedAt.Equal(base.Add(10*time.Minute)))
	require.True(t, got[1].Reading.ObservedAt.Equal(base.Add(2*time.Minute)))
}

func TestMemoryQueryAlerts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	resolvedAt := base
	require.NoError(t, store.UpsertAlert(ctx, alerting.Alert{ID: "before", DeviceID: "dev", OpenedAt: base.Add(-time.Hour), Status: alerting.StatusResolved, ResolvedAt: &resolvedAt}))
	require.NoError(t, store.UpsertAlert(ctx, alerting.Alert{ID: "edge", DeviceID: "dev", OpenedAt: base, Status: alerting.StatusOpen}))
	require.NoError(t, store.UpsertAlert(ctx, alerting.Alert{ID: "other", DeviceID: "other", OpenedAt: base.Add(time.Minute), Status: alerting.StatusOpen}))
	require.NoError(t, store.UpsertAlert(ctx, alerting.Alert{ID: "after", DeviceID: "dev2", OpenedAt: base.Add(time.Hour), Status: alerting.StatusOpen}))

	got, err := store.QueryAlerts(ctx, "dev", base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "edge", got[0].ID)

	all, err := store.QueryAlerts(ctx, "", base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "edge", all[0].ID)
	require.Equal(t, "other", all[1].ID)
}

func TestMemoryDeviceRegistry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.TouchDevice(ctx, "dev", "http://dev", base.Add(time.Minute)))
	require.NoError(t, store.TouchDevice(ctx, "dev", "", base), "an older sighting must not rewind last_seen")

	devices, err := store.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, "http://dev", devices[0].Address)
	require.True(t, devices[0].LastSeen.Equal(base.Add(time.Minute)))
	require.True(t, math.IsNaN(devices[0].CalibrationRo))
	require.Nil(t, devices[0].CalibratedAt)

	require.NoError(t, store.RecordCalibration(ctx, "", device.CalibrationResult{DeviceID: "dev", Ro: 401234.5, CalibratedAt: base.Add(time.Hour)}))
	require.NoError(t, store.RecordCalibration(ctx, "http://new", device.CalibrationResult{DeviceID: "new", Ro: 390000, CalibratedAt: base}))

	devices, err = store.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	require.Equal(t, "dev", devices[0].DeviceID)
	require.Equal(t, 401234.5, devices[0].CalibrationRo)
	require.True(t, devices[0].CalibratedAt.Equal(base.Add(time.Hour)))
	require.Equal(t, "http://dev", devices[0].Address)
	require.Equal(t, "new", devices[1].DeviceID)
	require.Nil(t, devices[1].LastSeen)
}

func TestMemoryConcurrentOpenRace(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- store.UpsertAlert(ctx, alerting.Alert{ID: string(rune('a' + i)), DeviceID: "dev", Status: alerting.StatusOpen})
		}(i)
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		}
	}
	require.Equal(t, 1, succeeded)
}
