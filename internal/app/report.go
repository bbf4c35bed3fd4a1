package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"spoilwatch/internal/alerting"
	"spoilwatch/internal/freshness"
	"spoilwatch/internal/storage"
)

// Summary aggregates a device's readings over a window.
type Summary struct {
	DeviceID     string
	From         time.Time
	To           time.Time
	Readings     int
	Invalid      int
	Spoiled      int
	Warning      int
	Fresh        int
	AvgRatio     decimal.Decimal
	MinRatio     decimal.Decimal
	MaxRatio     decimal.Decimal
	AlertsOpened int
}

// Report prints a summary of the trailing window, one day by default.
func (a *App) Report(ctx context.Context, opts ReportOptions) error {
	if opts.DeviceID == "" {
		return errors.New("--device is required")
	}
	window := opts.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	store, closeStore, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	summary, err := loadSummary(ctx, store, opts.DeviceID, to.Add(-window), to)
	if err != nil {
		return err
	}
	printSummary(os.Stdout, summary)
	return nil
}

type historyStore interface {
	storage.ReadingStore
	storage.AlertStore
}

// loadSummary summarises readings and alerts opened in [from, to).
func loadSummary(ctx context.Context, store historyStore, deviceID string, from, to time.Time) (Summary, error) {
	records, err := store.QueryReadings(ctx, deviceID, from, to)
	if err != nil {
		return Summary{}, err
	}
	alerts, err := store.QueryAlerts(ctx, deviceID, from, to)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(deviceID, from, to, records, alerts), nil
}

// Summarize computes statistics over valid readings; ratios are rounded to four places.
func Summarize(deviceID string, from, to time.Time, records []storage.ReadingRecord, alerts []alerting.Alert) Summary {
	s := Summary{DeviceID: deviceID, From: from, To: to}

	sum := decimal.Zero
	first := true
	for _, rec := range records {
		s.Readings++
		if !rec.Valid || math.IsNaN(rec.Reading.Ratio) || math.IsInf(rec.Reading.Ratio, 0) {
			s.Invalid++
			continue
		}
		switch rec.State {
		case freshness.StateSpoiled:
			s.Spoiled++
		case freshness.StateWarning:
			s.Warning++
		case freshness.StateFresh:
			s.Fresh++
		}
		r := decimal.NewFromFloat(rec.Reading.Ratio)
		sum = sum.Add(r)
		if first || r.LessThan(s.MinRatio) {
			s.MinRatio = r
		}
		if first || r.GreaterThan(s.MaxRatio) {
			s.MaxRatio = r
		}
		first = false
	}

	if valid := s.Readings - s.Invalid; valid > 0 {
		s.AvgRatio = sum.Div(decimal.NewFromInt(int64(valid))).Round(4)
		s.MinRatio = s.MinRatio.Round(4)
		s.MaxRatio = s.MaxRatio.Round(4)
	}

	for _, alert := range alerts {
		if !alert.OpenedAt.Before(from) && alert.OpenedAt.Before(to) {
			s.AlertsOpened++
		}
	}
	return s
}

func printSummary(w io.Writer, s Summary) {
	fmt.Fprintf(w, "device:        %s\n", s.DeviceID)
	fmt.Fprintf(w, "window:        %s .. %s\n", s.From.Format(time.RFC3339), s.To.Format(time.RFC3339))
	fmt.Fprintf(w, "readings:      %d (invalid %d)\n", s.Readings, s.Invalid)
	fmt.Fprintf(w, "fresh/warning/spoiled: %d/%d/%d\n", s.Fresh, s.Warning, s.Spoiled)
	if s.Readings > s.Invalid {
		fmt.Fprintf(w, "ratio avg:     %s\n", s.AvgRatio.StringFixed(4))
		fmt.Fprintf(w, "ratio min/max: %s / %s\n", s.MinRatio.StringFixed(4), s.MaxRatio.StringFixed(4))
	}
	fmt.Fprintf(w, "alerts opened: %d\n", s.AlertsOpened)
}
