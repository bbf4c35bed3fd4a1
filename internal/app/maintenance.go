package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"spoilwatch/internal/device"
	"spoilwatch/internal/service"
	"spoilwatch/internal/storage"
)

// Cleanup runs one retention pass against the configured database.
func (a *App) Cleanup(ctx context.Context, window time.Duration) error {
	store, closeStore, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := a.serviceOptions()
	if window > 0 {
		opts.RetentionWindow = window
	}
	coord := service.New(opts, nil, nil, store, nil, a.Logger)
	res, err := coord.Cleanup(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if res.Skipped {
		fmt.Fprintln(os.Stdout, "another instance is running retention; nothing deleted")
		return nil
	}
	fmt.Fprintf(os.Stdout, "deleted %d readings and %d resolved alerts\n", res.Readings, res.Alerts)
	return nil
}

// Calibrate asks a device for its baseline resistance and stores it in the
// device registry.
func (a *App) Calibrate(ctx context.Context, deviceID string) error {
	d, err := a.Config.FindDevice(deviceID)
	if err != nil {
		if !a.Config.Sensor.Mock {
			return err
		}
		d = device.Device{ID: deviceID, Address: "mock://" + deviceID}
	}

	var registry storage.DeviceStore
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store != nil {
		defer closeStore()
		registry = store
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; calibration is not persisted")
	}

	result, err := calibrateDevice(ctx, a.newTransport(), registry, d, a.Config.Sensor.RequestTimeout)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "device: %s\nRo:     %s\nat:     %s\n", result.DeviceID, formatFloat(result.Ro, 2), result.CalibratedAt.UTC().Format(time.RFC3339))
	return nil
}

// calibrateDevice asks the board for its baseline and records it when a
// registry is available.
func calibrateDevice(ctx context.Context, transport device.Transport, registry storage.DeviceStore, d device.Device, timeout time.Duration) (device.CalibrationResult, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := transport.GetCalibration(pollCtx, d.ID, d.Address)
	if err != nil {
		return device.CalibrationResult{}, err
	}
	result.CalibratedAt = device.Timestamp(result.CalibratedAt)
	if registry == nil {
		return result, nil
	}
	if err := registry.RecordCalibration(context.WithoutCancel(ctx), d.Address, result); err != nil {
		return result, fmt.Errorf("persist calibration for %s: %w", d.ID, err)
	}
	return result, nil
}

// SimulateAlert replays ratios for one device through the full pipeline using an
// in-memory store. Notifications go to the configured channel.
func (a *App) SimulateAlert(ctx context.Context, deviceID string, ratios []float64, spacing time.Duration) error {
	if len(ratios) == 0 {
		return errors.New("at least one ratio is required")
	}
	if deviceID == "" {
		deviceID = "simulated"
	}
	if !a.Config.Alerting.Enabled {
		a.Logger.Warn().Msg("alerting disabled; notifications are logged only")
	}

	clock := time.Now().UTC()
	now := func() time.Time { return clock }

	transport := device.NewScriptedTransport(400000, now)
	transport.Ratios(deviceID, ratios...)

	coord := service.New(a.serviceOptions(),
		[]device.Device{{ID: deviceID, Address: "simulated://" + deviceID}},
		transport, storage.NewMemoryStore(), a.newNotifier(), a.Logger,
		service.WithClock(now))

	for i, ratio := range ratios {
		outcomes, err := coord.Poll(ctx)
		if err != nil {
			return err
		}
		out := outcomes[0]
		state := string(out.State)
		if !out.Valid {
			state = "invalid"
		}
		fmt.Fprintf(os.Stdout, "t+%-8s ratio=%-6s state=%-8s action=%-8s %s\n",
			(time.Duration(i) * spacing).String(), formatFloat(ratio, 3), state, out.Action, notifiedLabel(out))
		clock = clock.Add(spacing)
	}
	return nil
}

func notifiedLabel(out service.Outcome) string {
	if !out.Action.Notifies() {
		return ""
	}
	if out.Notified {
		return strings.TrimSpace("notified " + out.CallSID)
	}
	return "notification failed"
}
