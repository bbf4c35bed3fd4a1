package device

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const (
	statusPath    = "/status"
	calibratePath = "/calibrate"
)

// HTTPOptions parameterise the HTTP transport.
type HTTPOptions struct {
	Timeout   time.Duration
	UserAgent string
}

// HTTPTransport polls boards over their JSON status endpoint.
type HTTPTransport struct {
	client *resty.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewHTTPTransport builds a transport with a bounded per-request timeout.
func NewHTTPTransport(opts HTTPOptions, logger zerolog.Logger) *HTTPTransport {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "spoilwatch/1.0"
	}

	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", ua)

	return &HTTPTransport{
		client: client,
		logger: logger.With().Str("component", "device_http").Logger(),
		now:    func() time.Time { return Timestamp(time.Now()) },
	}
}

// flexFloat accepts numbers and numeric strings. Anything else decodes as zero
// and keeps the raw text in Malformed.
type flexFloat struct {
	Value     float64
	Malformed string
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(b)), `"`)
	*f = flexFloat{}
	if raw == "" || raw == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		f.Malformed = raw
		return nil
	}
	f.Value = v
	return nil
}

type statusPayload struct {
	Device string    `json:"device"`
	Ro     flexFloat `json:"Ro"`
	Rs     flexFloat `json:"Rs"`
	Ratio  flexFloat `json:"ratio"`
	Vout   flexFloat `json:"Vout"`
	Status string    `json:"status"`
}

type calibrationPayload struct {
	Ro     flexFloat `json:"Ro"`
	Status string    `json:"status"`
}

// GetStatus fetches and normalises one reading.
func (t *HTTPTransport) GetStatus(ctx context.Context, deviceID, address string) (Reading, error) {
	var payload statusPayload
	if err := t.getJSON(ctx, address, statusPath, &payload); err != nil {
		return Reading{}, err
	}

	t.logMalformed(deviceID, map[string]flexFloat{
		"Ro":    payload.Ro,
		"Rs":    payload.Rs,
		"ratio": payload.Ratio,
		"Vout":  payload.Vout,
	})
	reading := normalize(deviceID, payload.Ro.Value, payload.Rs.Value, payload.Ratio.Value, payload.Vout.Value, t.now())
	reading.Status = payload.Status
	t.logger.Debug().Str("device_id", deviceID).Float64("ratio", reading.Ratio).Msg("status fetched")
	return reading, nil
}

// GetCalibration asks the board to recalibrate and returns its new Ro.
func (t *HTTPTransport) GetCalibration(ctx context.Context, deviceID, address string) (CalibrationResult, error) {
	var payload calibrationPayload
	if err := t.getJSON(ctx, address, calibratePath, &payload); err != nil {
		return CalibrationResult{}, err
	}
	t.logMalformed(deviceID, map[string]flexFloat{"Ro": payload.Ro})
	if payload.Ro.Value <= 0 {
		return CalibrationResult{}, fmt.Errorf("device %s returned non-positive Ro %v", deviceID, payload.Ro.Value)
	}
	return CalibrationResult{DeviceID: deviceID, Ro: payload.Ro.Value, CalibratedAt: t.now()}, nil
}

func (t *HTTPTransport) logMalformed(deviceID string, fields map[string]flexFloat) {
	for name, f := range fields {
		if f.Malformed == "" {
			continue
		}
		t.logger.Debug().
			Str("device_id", deviceID).
			Str("field", name).
			Str("raw", f.Malformed).
			Msg("malformed numeric field decoded as zero")
	}
}

func (t *HTTPTransport) getJSON(ctx context.Context, address, path string, out any) error {
	endpoint := strings.TrimRight(address, "/") + path
	resp, err := t.client.R().SetContext(ctx).Get(endpoint)
	if err != nil {
		return fmt.Errorf("%w: get %s: %v", ErrDeviceUnreachable, endpoint, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: get %s: status %d", ErrDeviceUnreachable, endpoint, resp.StatusCode())
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrDeviceUnreachable, endpoint, err)
	}
	return nil
}

// normalize fills in the ratio from Rs/Ro when the board reports none.
func normalize(deviceID string, ro, rs, ratio, vout float64, observedAt time.Time) Reading {
	if ratio == 0 && ro > 0 {
		ratio = rs / ro
	}
	return Reading{
		DeviceID:   deviceID,
		Ro:         ro,
		Rs:         rs,
		Ratio:      ratio,
		Vout:       vout,
		ObservedAt: observedAt,
	}
}

var _ Transport = (*HTTPTransport)(nil)
