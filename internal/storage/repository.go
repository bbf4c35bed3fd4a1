package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"spoilwatch/internal/alerting"
	"spoilwatch/internal/device"
	"spoilwatch/internal/freshness"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const uniqueViolation = "23505"

const (
	insertReadingSQL = `INSERT INTO readings (
        device_id,
        observed_at,
        ro,
        rs,
        ratio,
        vout,
        device_status,
        state,
        valid,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    );`

	readingColumns = `
        id,
        device_id,
        observed_at,
        ro::text,
        rs::text,
        ratio::text,
        vout::text,
        device_status,
        state,
        valid,
        error,
        created_at`

	queryReadingsSQL = `SELECT` + readingColumns + `
    FROM readings
    WHERE device_id = $1
      AND observed_at >= $2
      AND observed_at < $3
    ORDER BY observed_at, id;`

	listRecentReadingsSQL = `SELECT` + readingColumns + `
    FROM readings
    WHERE device_id = $1
    ORDER BY observed_at DESC, id DESC
    LIMIT $2;`

	alertColumns = `
        id::text,
        device_id,
        opened_at,
        status,
        last_notified_at,
        triggering_ratio::text,
        resolved_at,
        phone_number,
        last_call_sid`

	getOpenAlertSQL = `SELECT` + alertColumns + `
    FROM alerts
    WHERE device_id = $1
      AND status = 'open'
    ORDER BY opened_at
    LIMIT 2;`

	upsertAlertSQL = `INSERT INTO alerts (
        id,
        device_id,
        opened_at,
        status,
        last_notified_at,
        triggering_ratio,
        resolved_at,
        phone_number,
        last_call_sid
    ) VALUES (
        $1::uuid,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (id) DO UPDATE
    SET
        status           = EXCLUDED.status,
        last_notified_at = EXCLUDED.last_notified_at,
        resolved_at      = EXCLUDED.resolved_at,
        phone_number     = EXCLUDED.phone_number,
        last_call_sid    = EXCLUDED.last_call_sid
    WHERE alerts.device_id = EXCLUDED.device_id;`

	listRecentAlertsSQL = `SELECT` + alertColumns + `
    FROM alerts
    WHERE ($1::text = '' OR device_id = $1::text)
    ORDER BY opened_at DESC
    LIMIT NULLIF($2::int, 0);`

	queryAlertsSQL = `SELECT` + alertColumns + `
    FROM alerts
    WHERE ($1::text = '' OR device_id = $1::text)
      AND opened_at >= $2
      AND opened_at < $3
    ORDER BY opened_at;`

	deleteReadingsBeforeSQL = `DELETE FROM readings WHERE observed_at < $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts
    WHERE status = 'resolved'
      AND COALESCE(resolved_at, opened_at) < $1;`

	tryAdvisoryXactLockSQL = `SELECT pg_try_advisory_xact_lock($1);`

	touchDeviceSQL = `INSERT INTO devices (device_id, address, last_seen)
    VALUES ($1, $2, $3)
    ON CONFLICT (device_id) DO UPDATE
    SET
        address    = COALESCE(NULLIF(EXCLUDED.address, ''), devices.address),
        last_seen  = GREATEST(devices.last_seen, EXCLUDED.last_seen),
        updated_at = now();`

	recordCalibrationSQL = `INSERT INTO devices (device_id, address, calibration_ro, calibrated_at)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (device_id) DO UPDATE
    SET
        address        = COALESCE(NULLIF(EXCLUDED.address, ''), devices.address),
        calibration_ro = EXCLUDED.calibration_ro,
        calibrated_at  = EXCLUDED.calibrated_at,
        updated_at     = now();`

	listDevicesSQL = `SELECT
        device_id,
        address,
        last_seen,
        calibration_ro::text,
        calibrated_at
    FROM devices
    ORDER BY device_id;`
)

var retentionLockKey = int64(xxhash.Sum64String("spoilwatch:retention"))

// ReadingStore persists sensor readings.
type ReadingStore interface {
	AppendReading(ctx context.Context, rec ReadingRecord) error
	QueryReadings(ctx context.Context, deviceID string, from, to time.Time) ([]ReadingRecord, error)
	ListRecentReadings(ctx context.Context, deviceID string, limit int) ([]ReadingRecord, error)
}

// AlertStore persists alert episodes. At most one alert per device may be open.
type AlertStore interface {
	GetOpenAlert(ctx context.Context, deviceID string) (*alerting.Alert, error)
	UpsertAlert(ctx context.Context, alert alerting.Alert) error
	ListRecentAlerts(ctx context.Context, deviceID string, limit int) ([]alerting.Alert, error)
	QueryAlerts(ctx context.Context, deviceID string, from, to time.Time) ([]alerting.Alert, error)
}

// AlertTx is the alert state visible while a device lock is held.
type AlertTx interface {
	GetOpenAlert(ctx context.Context, deviceID string) (*alerting.Alert, error)
	UpsertAlert(ctx context.Context, alert alerting.Alert) error
}

// RetentionStore removes data older than a cutoff. Repeating a cutoff is a no-op.
// Concurrent sweeps against a shared store are skipped rather than queued.
type RetentionStore interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (DeleteResult, error)
}

// DeviceLocker serialises alert read-modify-write cycles per device. fn runs
// only when the lock was free and must do all alert I/O through tx; the store
// spends a single connection on the whole call.
type DeviceLocker interface {
	WithDeviceLock(ctx context.Context, deviceID string, fn func(tx AlertTx) error) (acquired bool, err error)
}

// DeviceStore keeps the registry of known boards.
type DeviceStore interface {
	TouchDevice(ctx context.Context, deviceID, address string, seenAt time.Time) error
	RecordCalibration(ctx context.Context, address string, result device.CalibrationResult) error
	ListDevices(ctx context.Context) ([]DeviceRecord, error)
}

// Repository is everything the coordinator needs from persistence.
type Repository interface {
	ReadingStore
	AlertStore
	RetentionStore
	DeviceLocker
	DeviceStore
}

// querier is satisfied by the pool and by transactions.
type querier interface {
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
}

// Store is the PostgreSQL repository.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// deviceLockKey maps a device id onto a postgres advisory lock key.
func deviceLockKey(deviceID string) int64 {
	return int64(xxhash.Sum64String("spoilwatch:device:" + deviceID))
}

// WithDeviceLock runs fn inside a transaction holding the device's
// transaction-scoped advisory lock. fn's writes commit together when it returns nil.
func (s *Store) WithDeviceLock(ctx context.Context, deviceID string, fn func(tx AlertTx) error) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	var acquired bool
	txErr := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, tryAdvisoryXactLockSQL, deviceLockKey(deviceID)).Scan(&acquired); err != nil {
			return fmt.Errorf("try device lock: %w", err)
		}
		if !acquired {
			return nil
		}
		return fn(txAlerts{q: tx})
	})
	if txErr != nil {
		return acquired, txErr
	}
	return acquired, nil
}

// txAlerts runs alert statements on the connection that holds the device lock.
type txAlerts struct {
	q querier
}

func (t txAlerts) GetOpenAlert(ctx context.Context, deviceID string) (*alerting.Alert, error) {
	return getOpenAlert(ctx, t.q, deviceID)
}

func (t txAlerts) UpsertAlert(ctx context.Context, alert alerting.Alert) error {
	return upsertAlert(ctx, t.q, alert)
}

// AppendReading inserts a reading record.
func (s *Store) AppendReading(ctx context.Context, rec ReadingRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	r := rec.Reading
	var state any
	if rec.Valid && rec.State != "" {
		state = string(rec.State)
	}
	var errMsg any
	if rec.Error != "" {
		errMsg = rec.Error
	}

	_, execErr := pool.Exec(ctx, insertReadingSQL,
		r.DeviceID,
		r.ObservedAt,
		numeric(r.Ro),
		numeric(r.Rs),
		numeric(r.Ratio),
		numeric(r.Vout),
		r.Status,
		state,
		rec.Valid,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("append reading: %w", execErr)
	}
	return nil
}

// QueryReadings lists a device's readings in [from, to).
func (s *Store) QueryReadings(ctx context.Context, deviceID string, from, to time.Time) ([]ReadingRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, queryReadingsSQL, deviceID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("query readings: %w", queryErr)
	}
	return collectReadings(rows, 0)
}

// ListRecentReadings lists the newest readings first.
func (s *Store) ListRecentReadings(ctx context.Context, deviceID string, limit int) ([]ReadingRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentReadingsSQL, deviceID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent readings: %w", queryErr)
	}
	return collectReadings(rows, limit)
}

// GetOpenAlert returns the device's open alert, or nil.
func (s *Store) GetOpenAlert(ctx context.Context, deviceID string) (*alerting.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return getOpenAlert(ctx, pool, deviceID)
}

func getOpenAlert(ctx context.Context, q querier, deviceID string) (*alerting.Alert, error) {
	rows, queryErr := q.Query(ctx, getOpenAlertSQL, deviceID)
	if queryErr != nil {
		return nil, fmt.Errorf("get open alert: %w", queryErr)
	}
	alerts, err := collectAlerts(rows, 2)
	if err != nil {
		return nil, err
	}

	switch len(alerts) {
	case 0:
		return nil, nil
	case 1:
		return &alerts[0], nil
	default:
		return nil, fmt.Errorf("%w: device %s has %d open alerts", alerting.ErrInconsistentAlertState, deviceID, len(alerts))
	}
}

// UpsertAlert inserts a new alert or updates its mutable fields.
func (s *Store) UpsertAlert(ctx context.Context, alert alerting.Alert) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return upsertAlert(ctx, pool, alert)
}

func upsertAlert(ctx context.Context, q querier, alert alerting.Alert) error {
	cmdTag, execErr := q.Exec(ctx, upsertAlertSQL,
		alert.ID,
		alert.DeviceID,
		alert.OpenedAt,
		string(alert.Status),
		alert.LastNotifiedAt,
		numeric(alert.TriggeringRatio),
		alert.ResolvedAt,
		alert.PhoneNumber,
		alert.LastCallSID,
	)
	if execErr != nil {
		var pgErr *pgconn.PgError
		if errors.As(execErr, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: second open alert for device %s", alerting.ErrInconsistentAlertState, alert.DeviceID)
		}
		return fmt.Errorf("upsert alert: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: alert %s is owned by another device", alerting.ErrInconsistentAlertState, alert.ID)
	}
	return nil
}

// ListRecentAlerts lists alerts newest first; an empty device id lists every device.
func (s *Store) ListRecentAlerts(ctx context.Context, deviceID string, limit int) ([]alerting.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, deviceID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	return collectAlerts(rows, limit)
}

// QueryAlerts lists alerts opened in [from, to), oldest first; an empty device id
// covers every device.
func (s *Store) QueryAlerts(ctx context.Context, deviceID string, from, to time.Time) ([]alerting.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, queryAlertsSQL, deviceID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("query alerts: %w", queryErr)
	}
	return collectAlerts(rows, 0)
}

// DeleteBefore drops readings observed before cutoff and resolved alerts that
// ended before it. The sweep holds a transaction-scoped advisory lock so only one
// instance deletes at a time.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (DeleteResult, error) {
	pool, err := s.getPool()
	if err != nil {
		return DeleteResult{}, err
	}

	var res DeleteResult
	txErr := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		var acquired bool
		if err := tx.QueryRow(ctx, tryAdvisoryXactLockSQL, retentionLockKey).Scan(&acquired); err != nil {
			return fmt.Errorf("try retention lock: %w", err)
		}
		if !acquired {
			res = DeleteResult{Skipped: true}
			return nil
		}
		readings, err := tx.Exec(ctx, deleteReadingsBeforeSQL, cutoff)
		if err != nil {
			return fmt.Errorf("delete readings before: %w", err)
		}
		alerts, err := tx.Exec(ctx, deleteAlertsBeforeSQL, cutoff)
		if err != nil {
			return fmt.Errorf("delete alerts before: %w", err)
		}
		res = DeleteResult{Readings: readings.RowsAffected(), Alerts: alerts.RowsAffected()}
		return nil
	})
	if txErr != nil {
		return DeleteResult{}, txErr
	}
	return res, nil
}

// TouchDevice records that a board answered; last_seen never moves backwards.
func (s *Store) TouchDevice(ctx context.Context, deviceID, address string, seenAt time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, touchDeviceSQL, deviceID, address, seenAt); err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// RecordCalibration stores the baseline resistance a board reported.
func (s *Store) RecordCalibration(ctx context.Context, address string, result device.CalibrationResult) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, recordCalibrationSQL, result.DeviceID, address, numeric(result.Ro), result.CalibratedAt); err != nil {
		return fmt.Errorf("record calibration: %w", err)
	}
	return nil
}

// ListDevices returns every registered board ordered by id.
func (s *Store) ListDevices(ctx context.Context) ([]DeviceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDevicesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list devices: %w", queryErr)
	}
	defer rows.Close()

	var out []DeviceRecord
	for rows.Next() {
		var (
			rec DeviceRecord
			ro  sql.NullString
		)
		if err := rows.Scan(&rec.DeviceID, &rec.Address, &rec.LastSeen, &ro, &rec.CalibratedAt); err != nil {
			return nil, err
		}
		v, err := parseNumeric(ro)
		if err != nil {
			return nil, err
		}
		rec.CalibrationRo = v
		rec.LastSeen = utcPtr(rec.LastSeen)
		rec.CalibratedAt = utcPtr(rec.CalibratedAt)
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func collectReadings(rows pgx.Rows, capacity int) ([]ReadingRecord, error) {
	defer rows.Close()

	records := make([]ReadingRecord, 0, capacity)
	for rows.Next() {
		rec, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanReading(rows pgx.Rows) (ReadingRecord, error) {
	var (
		rec                    ReadingRecord
		ro, rs, ratio, vout    sql.NullString
		state, errMsg          sql.NullString
		deviceID, deviceStatus string
		observedAt             time.Time
	)

	if err := rows.Scan(
		&rec.ID,
		&deviceID,
		&observedAt,
		&ro,
		&rs,
		&ratio,
		&vout,
		&deviceStatus,
		&state,
		&rec.Valid,
		&errMsg,
		&rec.CreatedAt,
	); err != nil {
		return ReadingRecord{}, err
	}

	values := make([]float64, 0, 4)
	for _, col := range []sql.NullString{ro, rs, ratio, vout} {
		v, err := parseNumeric(col)
		if err != nil {
			return ReadingRecord{}, err
		}
		values = append(values, v)
	}

	rec.Reading = device.Reading{
		DeviceID:   deviceID,
		Ro:         values[0],
		Rs:         values[1],
		Ratio:      values[2],
		Vout:       values[3],
		Status:     deviceStatus,
		ObservedAt: observedAt.UTC(),
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	if state.Valid {
		rec.State = freshness.State(state.String)
	}
	if errMsg.Valid {
		rec.Error = errMsg.String
	}
	return rec, nil
}

func collectAlerts(rows pgx.Rows, capacity int) ([]alerting.Alert, error) {
	defer rows.Close()

	alerts := make([]alerting.Alert, 0, capacity)
	for rows.Next() {
		var (
			alert        alerting.Alert
			status       string
			triggerRatio sql.NullString
		)
		if err := rows.Scan(
			&alert.ID,
			&alert.DeviceID,
			&alert.OpenedAt,
			&status,
			&alert.LastNotifiedAt,
			&triggerRatio,
			&alert.ResolvedAt,
			&alert.PhoneNumber,
			&alert.LastCallSID,
		); err != nil {
			return nil, err
		}
		ratio, err := parseNumeric(triggerRatio)
		if err != nil {
			return nil, err
		}
		alert.Status = alerting.Status(status)
		alert.TriggeringRatio = ratio
		alert.OpenedAt = alert.OpenedAt.UTC()
		alert.LastNotifiedAt = utcPtr(alert.LastNotifiedAt)
		alert.ResolvedAt = utcPtr(alert.ResolvedAt)
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// utcPtr normalises scanned timestamps, which pgx returns in the local zone.
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// numeric renders a float for a NUMERIC column; non-finite values become NULL.
func numeric(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return decimal.NewFromFloat(v).String()
}

func parseNumeric(col sql.NullString) (float64, error) {
	if !col.Valid {
		return math.NaN(), nil
	}
	d, err := decimal.NewFromString(col.String)
	if err != nil {
		return 0, fmt.Errorf("parse numeric %q: %w", col.String, err)
	}
	return d.InexactFloat64(), nil
}

var _ Repository = (*Store)(nil)
