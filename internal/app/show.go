package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"spoilwatch/internal/alerting"
	"spoilwatch/internal/cache"
	"spoilwatch/internal/storage"
)

// Show prints recent readings, the cached latest reading, recent alerts or the device registry.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if opts.Latest {
		if entry, ok := a.cachedLatest(ctx, opts.DeviceID); ok {
			printLatest(os.Stdout, entry, "cache")
			return nil
		}
	}

	store, closeStore, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.Devices {
		devices, err := store.ListDevices(ctx)
		if err != nil {
			return err
		}
		printDevices(os.Stdout, devices)
		return nil
	}

	if opts.Alerts {
		alerts, err := store.ListRecentAlerts(ctx, opts.DeviceID, opts.Limit)
		if err != nil {
			return err
		}
		printAlerts(os.Stdout, alerts)
		return nil
	}

	if opts.DeviceID == "" {
		return errors.New("--device is required")
	}

	limit := opts.Limit
	if opts.Latest {
		limit = 1
	}
	records, err := store.ListRecentReadings(ctx, opts.DeviceID, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no readings found")
		return nil
	}
	if opts.Latest {
		rec := records[0]
		printLatest(os.Stdout, cache.Entry{
			DeviceID:   rec.Reading.DeviceID,
			Ratio:      rec.Reading.Ratio,
			Ro:         rec.Reading.Ro,
			Rs:         rec.Reading.Rs,
			Vout:       rec.Reading.Vout,
			State:      rec.State,
			ObservedAt: rec.Reading.ObservedAt,
		}, "database")
		return nil
	}
	printReadings(os.Stdout, records)
	return nil
}

func (a *App) cachedLatest(ctx context.Context, deviceID string) (cache.Entry, bool) {
	if deviceID == "" {
		return cache.Entry{}, false
	}
	latest, closeLatest := a.openLatest(ctx)
	defer closeLatest()
	if latest == nil {
		return cache.Entry{}, false
	}
	entry, err := latest.Get(ctx, deviceID)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			a.Logger.Warn().Err(err).Msg("latest reading cache lookup failed")
		}
		return cache.Entry{}, false
	}
	return entry, true
}

func printLatest(w io.Writer, e cache.Entry, source string) {
	fmt.Fprintf(w, "device:   %s\n", e.DeviceID)
	fmt.Fprintf(w, "observed: %s\n", e.ObservedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "ratio:    %s\n", formatFloat(e.Ratio, 4))
	fmt.Fprintf(w, "state:    %s\n", e.State)
	fmt.Fprintf(w, "source:   %s\n", source)
}

func printReadings(w io.Writer, records []storage.ReadingRecord) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tRo\tRs\tRatio\tVout\tState\tError")
	for _, rec := range records {
		state := string(rec.State)
		if !rec.Valid {
			state = "invalid"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Reading.ObservedAt.UTC().Format(time.RFC3339),
			formatFloat(rec.Reading.Ro, 2),
			formatFloat(rec.Reading.Rs, 2),
			formatFloat(rec.Reading.Ratio, 4),
			formatFloat(rec.Reading.Vout, 3),
			state,
			sanitizeInline(rec.Error),
		)
	}
	writer.Flush()
}

func printAlerts(w io.Writer, alerts []alerting.Alert) {
	if len(alerts) == 0 {
		fmt.Fprintln(w, "no alerts found")
		return
	}
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Opened (UTC)\tDevice\tStatus\tRatio\tLast notified\tResolved\tCall SID")
	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.OpenedAt.UTC().Format(time.RFC3339),
			alert.DeviceID,
			alert.Status,
			formatFloat(alert.TriggeringRatio, 4),
			formatOptionalTime(alert.LastNotifiedAt),
			formatOptionalTime(alert.ResolvedAt),
			alert.LastCallSID,
		)
	}
	writer.Flush()
}

func printDevices(w io.Writer, devices []storage.DeviceRecord) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "no devices registered")
		return
	}
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Device\tAddress\tLast seen\tCalibration Ro\tCalibrated")
	for _, d := range devices {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			d.DeviceID,
			d.Address,
			formatOptionalTime(d.LastSeen),
			formatFloat(d.CalibrationRo, 2),
			formatOptionalTime(d.CalibratedAt),
		)
	}
	writer.Flush()
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
