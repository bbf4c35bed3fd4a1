package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"spoilwatch/internal/alerting"
	"spoilwatch/internal/config"
	"spoilwatch/internal/device"
	"spoilwatch/internal/freshness"
	"spoilwatch/internal/storage"
)

var base = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func record(at time.Time, ratio float64, state freshness.State) storage.ReadingRecord {
	return storage.ReadingRecord{
		Reading: device.Reading{DeviceID: "dev", Ro: 1000, Rs: 1000 * ratio, Ratio: ratio, Vout: 1.5, ObservedAt: at},
		State:   state,
		Valid:   true,
	}
}

func TestSummarize(t *testing.T) {
	records := []storage.ReadingRecord{
		record(base, 0.9, freshness.StateFresh),
		record(base.Add(time.Hour), 0.6, freshness.StateWarning),
		record(base.Add(2*time.Hour), 0.3, freshness.StateSpoiled),
		{Reading: device.Reading{DeviceID: "dev", Ratio: math.NaN(), ObservedAt: base.Add(3 * time.Hour)}, Error: "invalid reading"},
	}
	alerts := []alerting.Alert{
		{ID: "in", DeviceID: "dev", OpenedAt: base.Add(2 * time.Hour)},
		{ID: "before", DeviceID: "dev", OpenedAt: base.Add(-time.Hour)},
	}

	s := Summarize("dev", base, base.Add(24*time.Hour), records, alerts)
	require.Equal(t, 4, s.Readings)
	require.Equal(t, 1, s.Invalid)
	require.Equal(t, 1, s.Fresh)
	require.Equal(t, 1, s.Warning)
	require.Equal(t, 1, s.Spoiled)
	require.Equal(t, "0.6000", s.AvgRatio.StringFixed(4))
	require.Equal(t, "0.3000", s.MinRatio.StringFixed(4))
	require.Equal(t, "0.9000", s.MaxRatio.StringFixed(4))
	require.Equal(t, 1, s.AlertsOpened)
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize("dev", base, base.Add(time.Hour), nil, nil)
	require.Zero(t, s.Readings)
	require.True(t, s.AvgRatio.IsZero())
}

func TestDownsampleReadingsKeepsEdges(t *testing.T) {
	records := make([]storage.ReadingRecord, 10)
	for i := range records {
		records[i] = record(base.Add(time.Duration(i)*time.Minute), 0.9, freshness.StateFresh)
	}
	got := downsampleReadings(records, 4)
	require.Len(t, got, 4)
	require.True(t, got[0].Reading.ObservedAt.Equal(base))
	require.True(t, got[3].Reading.ObservedAt.Equal(base.Add(9*time.Minute)))

	require.Len(t, downsampleReadings(records, 20), 10)
	require.Len(t, downsampleReadings(records, 1), 1)
}

func TestWriteReadingsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "readings.csv")
	records := []storage.ReadingRecord{
		record(base, 0.45, freshness.StateSpoiled),
		{Reading: device.Reading{DeviceID: "dev", Ro: math.NaN(), Rs: math.NaN(), Ratio: math.NaN(), Vout: math.NaN(), ObservedAt: base.Add(time.Minute)}, Error: "invalid reading: Rs -1 must be positive"},
	}
	require.NoError(t, writeReadingsCSV(path, records))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, exportHeader, rows[0])
	require.Equal(t, "0.4500", rows[1][4])
	require.Equal(t, "spoiled", rows[1][6])
	require.Equal(t, "-", rows[2][4])
	require.Equal(t, "false", rows[2][7])
}

func TestWriteReadingsXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readings.xlsx")
	records := []storage.ReadingRecord{
		record(base, 0.45, freshness.StateSpoiled),
		record(base.Add(time.Minute), 0.85, freshness.StateFresh),
	}
	require.NoError(t, writeReadingsXLSX(path, records))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Readings")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "observed_at", rows[0][0])
	require.Equal(t, "dev", rows[1][1])
	require.Equal(t, "fresh", rows[2][6])
}

func TestWriteReadingsPNGNeedsTwoPoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chart.png")
	thresholds := freshness.Thresholds{FreshMin: 0.8, WarningMin: 0.5}
	err := writeReadingsPNG(path, []storage.ReadingRecord{record(base, 0.9, freshness.StateFresh)}, thresholds)
	require.Error(t, err)

	records := []storage.ReadingRecord{
		record(base, 0.9, freshness.StateFresh),
		record(base.Add(time.Minute), 0.6, freshness.StateWarning),
		record(base.Add(2*time.Minute), 0.4, freshness.StateSpoiled),
	}
	require.NoError(t, writeReadingsPNG(path, records, thresholds))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Positive(t, info.Size())
}

func TestFormatFloat(t *testing.T) {
	require.Equal(t, "0.4321", formatFloat(0.43214, 4))
	require.Equal(t, "-", formatFloat(math.NaN(), 2))
}

func TestLoadSummaryCountsAlertsOpenedInWindow(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	for _, rec := range []storage.ReadingRecord{
		record(base.Add(-time.Minute), 0.2, freshness.StateSpoiled),
		record(base, 0.9, freshness.StateFresh),
		record(base.Add(time.Hour), 0.4, freshness.StateSpoiled),
	} {
		require.NoError(t, store.AppendReading(ctx, rec))
	}
	resolvedAt := base.Add(-30 * time.Minute)
	require.NoError(t, store.UpsertAlert(ctx, alerting.Alert{ID: "old", DeviceID: "dev", OpenedAt: base.Add(-time.Hour), Status: alerting.StatusResolved, ResolvedAt: &resolvedAt}))
	require.NoError(t, store.UpsertAlert(ctx, alerting.Alert{ID: "new", DeviceID: "dev", OpenedAt: base.Add(time.Hour), Status: alerting.StatusOpen}))
	require.NoError(t, store.UpsertAlert(ctx, alerting.Alert{ID: "elsewhere", DeviceID: "other", OpenedAt: base.Add(time.Hour), Status: alerting.StatusOpen}))

	s, err := loadSummary(ctx, store, "dev", base, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, s.Readings)
	require.Equal(t, 1, s.Spoiled)
	require.Equal(t, 1, s.AlertsOpened)
}

func TestCalibrateDeviceRecordsBaseline(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	at := time.Date(2026, 3, 1, 8, 0, 0, 123456789, time.UTC)
	transport := device.NewScriptedTransport(401234.5, func() time.Time { return at })
	d := device.Device{ID: "esp32_001", Address: "http://10.72.89.105"}

	result, err := calibrateDevice(ctx, transport, store, d, time.Second)
	require.NoError(t, err)
	require.Equal(t, 401234.5, result.Ro)

	devices, err := store.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, "http://10.72.89.105", devices[0].Address)
	require.Equal(t, 401234.5, devices[0].CalibrationRo)
	require.True(t, devices[0].CalibratedAt.Equal(device.Timestamp(at)))

	_, err = calibrateDevice(ctx, transport, nil, d, time.Second)
	require.NoError(t, err, "calibration works without a registry")
}

func TestPrintDevices(t *testing.T) {
	seen := base
	var buf bytes.Buffer
	printDevices(&buf, []storage.DeviceRecord{
		{DeviceID: "esp32_001", Address: "http://10.72.89.105", LastSeen: &seen, CalibrationRo: math.NaN()},
	})
	out := buf.String()
	require.Contains(t, out, "esp32_001")
	require.Contains(t, out, base.Format(time.RFC3339))
	require.Equal(t, 2, strings.Count(out, "\n"))

	buf.Reset()
	printDevices(&buf, nil)
	require.Equal(t, "no devices registered\n", buf.String())
}

func TestServiceOptionsBoundFanOutAndStoreCalls(t *testing.T) {
	cfg := &config.Config{}
	cfg.Database.DSN = "postgres://localhost/spoilwatch"
	cfg.Database.MaxOpenConns = 4
	cfg.Database.QueryTimeout = 2 * time.Second

	opts := NewApp(cfg, zerolog.Nop()).serviceOptions()
	require.Equal(t, 3, opts.MaxConcurrent)
	require.Equal(t, 2*time.Second, opts.StoreTimeout)
}
