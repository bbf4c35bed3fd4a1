package alerting

import (
	"context"
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Notification carries the context of one voice alert.
type Notification struct {
	AlertID     string
	DeviceID    string
	Action      Action
	Ratio       float64
	ObservedAt  time.Time
	PhoneNumber string
}

// Notifier places an alert and returns the provider's call id.
type Notifier interface {
	Notify(ctx context.Context, note Notification) (string, error)
}

// TwilioOptions configure the Twilio voice notifier.
type TwilioOptions struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	WebhookURL string
	APIBase    string
	Timeout    time.Duration
}

// TwilioNotifier places voice calls through the Twilio REST API.
type TwilioNotifier struct {
	opts   TwilioOptions
	client *resty.Client
	logger zerolog.Logger
}

// NewTwilioNotifier builds the voice notifier.
func NewTwilioNotifier(opts TwilioOptions, logger zerolog.Logger) *TwilioNotifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.APIBase == "" {
		opts.APIBase = "https://api.twilio.com"
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.APIBase, "/")).
		SetTimeout(opts.Timeout).
		SetBasicAuth(opts.AccountSID, opts.AuthToken).
		SetHeader("Accept", "application/json")

	return &TwilioNotifier{
		opts:   opts,
		client: client,
		logger: logger.With().Str("component", "alert_twilio").Logger(),
	}
}

type twilioCall struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Notify creates an outbound call that reads the alert message.
func (n *TwilioNotifier) Notify(ctx context.Context, note Notification) (string, error) {
	if note.PhoneNumber == "" {
		return "", fmt.Errorf("%w: no destination phone number", ErrNotificationFailure)
	}

	message := RenderMessage(note)
	form := map[string]string{
		"To":   note.PhoneNumber,
		"From": n.opts.FromNumber,
	}
	if n.opts.WebhookURL != "" {
		form["Url"] = n.opts.WebhookURL + "?context=" + url.QueryEscape(message)
	} else {
		form["Twiml"] = "<Response><Say>" + html.EscapeString(message) + "</Say></Response>"
	}

	var call twilioCall
	var apiErr twilioError
	resp, err := n.client.R().
		SetContext(ctx).
		SetPathParam("sid", n.opts.AccountSID).
		SetFormData(form).
		SetResult(&call).
		SetError(&apiErr).
		Post("/2010-04-01/Accounts/{sid}/Calls.json")
	if err != nil {
		return "", fmt.Errorf("%w: send twilio request: %v", ErrNotificationFailure, err)
	}
	if resp.IsError() {
		if apiErr.Message != "" {
			return "", fmt.Errorf("%w: twilio error %d (%d): %s", ErrNotificationFailure, apiErr.Code, resp.StatusCode(), apiErr.Message)
		}
		return "", fmt.Errorf("%w: twilio status %d", ErrNotificationFailure, resp.StatusCode())
	}
	if call.SID == "" {
		return "", fmt.Errorf("%w: twilio response missing call sid", ErrNotificationFailure)
	}

	n.logger.Info().
		Str("device_id", note.DeviceID).
		Str("alert_id", note.AlertID).
		Str("call_sid", call.SID).
		Str("action", note.Action.String()).
		Msg("voice alert placed")
	return call.SID, nil
}

// LogNotifier stands in for a voice channel when none is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier returns a notifier that only logs.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the rendered message and always succeeds.
func (n *LogNotifier) Notify(_ context.Context, note Notification) (string, error) {
	n.logger.Warn().
		Str("device_id", note.DeviceID).
		Str("alert_id", note.AlertID).
		Str("message", RenderMessage(note)).
		Msg("voice channel not configured; alert logged only")
	return "", nil
}

// RenderMessage builds the spoken alert text.
func RenderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("Food spoilage alert for device %s. ", note.DeviceID))
	builder.WriteString(fmt.Sprintf("Current ratio is %.3f. ", note.Ratio))
	builder.WriteString(fmt.Sprintf("Reading taken at %s UTC.", note.ObservedAt.UTC().Format(time.RFC3339)))
	if note.Action == RenotifyAlert {
		builder.WriteString(" The device is still reporting spoilage.")
	}
	return builder.String()
}

var (
	_ Notifier = (*TwilioNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
