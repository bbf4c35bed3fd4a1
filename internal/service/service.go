package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"spoilwatch/internal/alerting"
	"spoilwatch/internal/cache"
	"spoilwatch/internal/device"
	"spoilwatch/internal/events"
	"spoilwatch/internal/freshness"
	"spoilwatch/internal/metrics"
	"spoilwatch/internal/storage"
)

// Skip reasons reported in Outcome.Skipped.
const (
	SkipInFlight = "in_flight"
	SkipLocked   = "locked"
)

// Options carry the tunables of the sampling loop.
type Options struct {
	Thresholds      freshness.Thresholds
	Cooldown        time.Duration
	PhoneNumber     string
	RequestTimeout  time.Duration
	NotifyTimeout   time.Duration
	RetentionWindow time.Duration
	// StoreTimeout bounds each persistence step. The locked alert section
	// additionally gets NotifyTimeout for the outbound call.
	StoreTimeout time.Duration
	// MaxConcurrent caps devices processed at once; zero means unbounded.
	MaxConcurrent int
}

// Outcome summarises what happened to one device during a tick.
type Outcome struct {
	DeviceID    string
	Skipped     string
	Unreachable bool
	Reading     device.Reading
	State       freshness.State
	Valid       bool
	Action      alerting.Action
	AlertID     string
	Notified    bool
	CallSID     string
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithLatestCache refreshes the latest-reading cache after each persisted reading.
func WithLatestCache(latest *cache.Latest) Option {
	return func(c *Coordinator) { c.latest = latest }
}

// WithPublisher sends every applied alert action to the event bus.
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithHealth records per-device reachability.
func WithHealth(h *metrics.Health) Option {
	return func(c *Coordinator) { c.health = h }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDGenerator overrides alert id generation.
func WithIDGenerator(newID func() string) Option {
	return func(c *Coordinator) { c.newID = newID }
}

// Coordinator drives acquisition, classification, persistence and alerting.
type Coordinator struct {
	devices   []device.Device
	transport device.Transport
	store     storage.Repository
	notifier  alerting.Notifier
	publisher events.Publisher
	latest    *cache.Latest
	health    *metrics.Health
	logger    zerolog.Logger
	opts      Options

	now   func() time.Time
	newID func() string

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New constructs the sampling coordinator.
func New(opts Options, devices []device.Device, transport device.Transport, store storage.Repository, notifier alerting.Notifier, logger zerolog.Logger, options ...Option) *Coordinator {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 3 * time.Second
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 10 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	c := &Coordinator{
		devices:   devices,
		transport: transport,
		store:     store,
		notifier:  notifier,
		publisher: events.Nop{},
		logger:    logger.With().Str("component", "coordinator").Logger(),
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		inflight:  make(map[string]struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Devices returns the configured devices.
func (c *Coordinator) Devices() []device.Device {
	return c.devices
}

// ProcessTick polls every device concurrently. Per-device failures never stop the
// other devices; alert state violations and storage failures are joined into the
// returned error.
func (c *Coordinator) ProcessTick(ctx context.Context, tick time.Time) error {
	_, err := c.Poll(ctx)
	if err != nil {
		c.logger.Error().Err(err).Time("tick", tick).Msg("tick completed with errors")
	}
	return err
}

// Poll runs one tick and reports per-device outcomes in device order.
func (c *Coordinator) Poll(ctx context.Context) ([]Outcome, error) {
	outcomes := make([]Outcome, len(c.devices))
	errs := make([]error, len(c.devices))

	var g errgroup.Group
	if c.opts.MaxConcurrent > 0 {
		g.SetLimit(c.opts.MaxConcurrent)
	}
	for i, d := range c.devices {
		g.Go(func() error {
			outcomes[i], errs[i] = c.ProcessDevice(ctx, d)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, errors.Join(errs...)
}

// ProcessDevice runs the sampling pipeline for a single device.
func (c *Coordinator) ProcessDevice(ctx context.Context, d device.Device) (Outcome, error) {
	out := Outcome{DeviceID: d.ID}
	logger := c.logger.With().Str("device_id", d.ID).Logger()

	if !c.enter(d.ID) {
		out.Skipped = SkipInFlight
		metrics.SkippedTicksTotal.WithLabelValues(d.ID, SkipInFlight).Inc()
		logger.Debug().Msg("skip device because previous tick still in flight")
		return out, nil
	}
	defer c.leave(d.ID)

	reading, err := c.acquire(ctx, d)
	if err != nil {
		out.Unreachable = true
		metrics.DeviceUnreachableTotal.WithLabelValues(d.ID).Inc()
		if c.health != nil {
			c.health.MarkDown(d.ID, err)
		}
		logger.Warn().Err(err).Msg("device unreachable")
		return out, nil
	}
	out.Reading = reading
	if c.health != nil {
		c.health.MarkUp(d.ID, reading.ObservedAt)
	}
	c.touch(ctx, logger, d, reading.ObservedAt)

	state, err := c.classify(reading)
	if err != nil {
		rec := storage.ReadingRecord{Reading: reading, Valid: false, Error: err.Error()}
		metrics.ReadingsTotal.WithLabelValues(d.ID, "invalid").Inc()
		logger.Warn().Err(err).Float64("ro", reading.Ro).Float64("rs", reading.Rs).Float64("ratio", reading.Ratio).Msg("invalid reading")
		if err := c.appendReading(ctx, rec); err != nil {
			return out, fmt.Errorf("persist invalid reading for %s: %w", d.ID, err)
		}
		return out, nil
	}
	out.State = state
	out.Valid = true

	if err := c.appendReading(ctx, storage.ReadingRecord{Reading: reading, State: state, Valid: true}); err != nil {
		return out, fmt.Errorf("persist reading for %s: %w", d.ID, err)
	}
	metrics.ReadingsTotal.WithLabelValues(d.ID, string(state)).Inc()
	metrics.LatestRatio.WithLabelValues(d.ID).Set(reading.Ratio)
	if c.latest != nil {
		cacheCtx, cancel := c.storeContext(ctx, 0)
		if err := c.latest.Put(cacheCtx, reading, state); err != nil {
			logger.Warn().Err(err).Msg("failed to refresh latest reading cache")
		}
		cancel()
	}
	logger.Info().Float64("ratio", reading.Ratio).Str("state", string(state)).Msg("reading recorded")

	now := device.Timestamp(c.now())
	alert, acquired, err := c.decideAndApply(ctx, logger, reading, state, now, &out)
	if err != nil {
		return out, c.alertFailure(logger, err)
	}
	if !acquired {
		out.Skipped = SkipLocked
		metrics.SkippedTicksTotal.WithLabelValues(d.ID, SkipLocked).Inc()
		logger.Debug().Msg("skip alert decision because the device lock is held elsewhere")
		return out, nil
	}
	if out.Action == alerting.NoAction {
		return out, nil
	}

	out.AlertID = alert.ID
	metrics.AlertActionsTotal.WithLabelValues(d.ID, out.Action.String()).Inc()
	c.publish(ctx, logger, events.Event{
		Timestamp: now,
		DeviceID:  d.ID,
		AlertID:   alert.ID,
		Action:    out.Action,
		Ratio:     reading.Ratio,
		CallSID:   out.CallSID,
		Notified:  out.Notified,
	})
	return out, nil
}

// storeContext detaches from shutdown so a started write is not torn, and bounds
// it so an exhausted pool cannot stall the tick forever.
func (c *Coordinator) storeContext(ctx context.Context, extra time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.opts.StoreTimeout+extra)
}

func (c *Coordinator) appendReading(ctx context.Context, rec storage.ReadingRecord) error {
	storeCtx, cancel := c.storeContext(ctx, 0)
	defer cancel()
	return c.store.AppendReading(storeCtx, rec)
}

func (c *Coordinator) touch(ctx context.Context, logger zerolog.Logger, d device.Device, seenAt time.Time) {
	storeCtx, cancel := c.storeContext(ctx, 0)
	defer cancel()
	if err := c.store.TouchDevice(storeCtx, d.ID, d.Address, seenAt); err != nil {
		logger.Warn().Err(err).Msg("failed to record device last_seen")
	}
}

// decideAndApply loads the open alert, decides and applies the action while
// holding the device lock. Only this section is serialised across instances.
func (c *Coordinator) decideAndApply(ctx context.Context, logger zerolog.Logger, reading device.Reading, state freshness.State, now time.Time, out *Outcome) (alerting.Alert, bool, error) {
	lockCtx, cancel := c.storeContext(ctx, c.opts.NotifyTimeout)
	defer cancel()

	var alert alerting.Alert
	acquired, err := c.store.WithDeviceLock(lockCtx, reading.DeviceID, func(tx storage.AlertTx) error {
		current, err := tx.GetOpenAlert(lockCtx, reading.DeviceID)
		if err != nil {
			return fmt.Errorf("load open alert for %s: %w", reading.DeviceID, err)
		}
		action, err := alerting.Decide(reading.DeviceID, state, now, current, c.opts.Cooldown)
		if err != nil {
			return fmt.Errorf("decide for %s: %w", reading.DeviceID, err)
		}
		out.Action = action
		if action == alerting.NoAction {
			return nil
		}
		alert, err = c.apply(lockCtx, tx, logger, action, current, reading, now, out)
		return err
	})
	return alert, acquired, err
}

func (c *Coordinator) acquire(ctx context.Context, d device.Device) (device.Reading, error) {
	pollCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	start := time.Now()
	reading, err := c.transport.GetStatus(pollCtx, d.ID, d.Address)
	metrics.PollDuration.WithLabelValues(d.ID).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, device.ErrDeviceUnreachable) {
			return device.Reading{}, err
		}
		return device.Reading{}, fmt.Errorf("%w: %v", device.ErrDeviceUnreachable, err)
	}
	if reading.DeviceID == "" {
		reading.DeviceID = d.ID
	}
	if reading.ObservedAt.IsZero() {
		reading.ObservedAt = c.now()
	}
	reading.ObservedAt = device.Timestamp(reading.ObservedAt)
	return reading, nil
}

func (c *Coordinator) classify(r device.Reading) (freshness.State, error) {
	if err := freshness.CheckResistances(r.Ro, r.Rs); err != nil {
		return "", err
	}
	return freshness.Classify(r.Ratio, c.opts.Thresholds)
}

// apply executes a decision. The notification stamp is committed only after a
// successful send so a failed call is retried on the next spoiled reading.
func (c *Coordinator) apply(ctx context.Context, tx storage.AlertTx, logger zerolog.Logger, action alerting.Action, current *alerting.Alert, reading device.Reading, now time.Time, out *Outcome) (alerting.Alert, error) {
	switch action {
	case alerting.OpenAlert:
		alert := alerting.Alert{
			ID:              c.newID(),
			DeviceID:        reading.DeviceID,
			OpenedAt:        now,
			Status:          alerting.StatusOpen,
			TriggeringRatio: reading.Ratio,
			PhoneNumber:     c.opts.PhoneNumber,
		}
		if err := tx.UpsertAlert(ctx, alert); err != nil {
			return alert, fmt.Errorf("open alert for %s: %w", reading.DeviceID, err)
		}
		logger.Warn().Str("alert_id", alert.ID).Float64("ratio", reading.Ratio).Msg("spoilage alert opened")
		return c.notifyAndStamp(ctx, tx, logger, action, alert, reading, now, out)
	case alerting.RenotifyAlert:
		return c.notifyAndStamp(ctx, tx, logger, action, *current, reading, now, out)
	case alerting.ResolveAlert:
		alert := *current
		resolvedAt := now
		alert.Status = alerting.StatusResolved
		alert.ResolvedAt = &resolvedAt
		if err := tx.UpsertAlert(ctx, alert); err != nil {
			return alert, fmt.Errorf("resolve alert for %s: %w", reading.DeviceID, err)
		}
		logger.Info().Str("alert_id", alert.ID).Float64("ratio", reading.Ratio).Msg("spoilage alert resolved")
		return alert, nil
	default:
		return alerting.Alert{}, fmt.Errorf("%w: unexpected action %s", alerting.ErrInconsistentAlertState, action)
	}
}

func (c *Coordinator) notifyAndStamp(ctx context.Context, tx storage.AlertTx, logger zerolog.Logger, action alerting.Action, alert alerting.Alert, reading device.Reading, now time.Time, out *Outcome) (alerting.Alert, error) {
	sendCtx, cancel := context.WithTimeout(ctx, c.opts.NotifyTimeout)
	defer cancel()

	phone := alert.PhoneNumber
	if phone == "" {
		phone = c.opts.PhoneNumber
	}
	sid, err := c.notifier.Notify(sendCtx, alerting.Notification{
		AlertID:     alert.ID,
		DeviceID:    alert.DeviceID,
		Action:      action,
		Ratio:       reading.Ratio,
		ObservedAt:  reading.ObservedAt,
		PhoneNumber: phone,
	})
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		logger.Error().Err(err).Str("alert_id", alert.ID).Str("action", action.String()).Msg("notification failed; will retry on next spoiled reading")
		return alert, nil
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()

	stamp := now
	alert.LastNotifiedAt = &stamp
	if sid != "" {
		alert.LastCallSID = sid
	}
	if err := tx.UpsertAlert(ctx, alert); err != nil {
		return alert, fmt.Errorf("stamp notification for %s: %w", alert.DeviceID, err)
	}
	out.Notified = true
	out.CallSID = sid
	return alert, nil
}

func (c *Coordinator) publish(ctx context.Context, logger zerolog.Logger, e events.Event) {
	pubCtx, cancel := c.storeContext(ctx, 0)
	defer cancel()
	if err := c.publisher.Publish(pubCtx, e); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("failed").Inc()
		logger.Warn().Err(err).Str("action", e.Action.String()).Msg("failed to publish alert event")
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues("sent").Inc()
}

func (c *Coordinator) alertFailure(logger zerolog.Logger, err error) error {
	if errors.Is(err, alerting.ErrInconsistentAlertState) {
		metrics.InconsistentStateTotal.Inc()
		logger.Error().Err(err).Msg("inconsistent alert state")
		return err
	}
	logger.Error().Err(err).Msg("alert processing failed")
	return err
}

func (c *Coordinator) enter(deviceID string) bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	if _, busy := c.inflight[deviceID]; busy {
		return false
	}
	c.inflight[deviceID] = struct{}{}
	return true
}

func (c *Coordinator) leave(deviceID string) {
	c.inflightMu.Lock()
	delete(c.inflight, deviceID)
	c.inflightMu.Unlock()
}

// Cleanup removes history older than the retention window. It is idempotent.
func (c *Coordinator) Cleanup(ctx context.Context, now time.Time) (storage.DeleteResult, error) {
	if c.opts.RetentionWindow <= 0 {
		return storage.DeleteResult{}, fmt.Errorf("retention window must be positive")
	}
	storeCtx, cancel := c.storeContext(ctx, 0)
	defer cancel()

	cutoff := now.Add(-c.opts.RetentionWindow)
	res, err := c.store.DeleteBefore(storeCtx, cutoff)
	if err != nil {
		return res, fmt.Errorf("retention cleanup: %w", err)
	}
	if res.Skipped {
		c.logger.Debug().Msg("skip retention cleanup because another instance is sweeping")
		return res, nil
	}
	metrics.RetentionDeletedTotal.WithLabelValues("readings").Add(float64(res.Readings))
	metrics.RetentionDeletedTotal.WithLabelValues("alerts").Add(float64(res.Alerts))
	c.logger.Info().
		Time("cutoff", cutoff).
		Int64("readings", res.Readings).
		Int64("alerts", res.Alerts).
		Msg("retention cleanup complete")
	return res, nil
}

// CleanupTick adapts Cleanup to the scheduler.
func (c *Coordinator) CleanupTick(ctx context.Context, tick time.Time) error {
	_, err := c.Cleanup(ctx, tick)
	return err
}
