// Package events publishes alert lifecycle events to a message bus.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"spoilwatch/internal/alerting"
)

// Event describes one alert action applied by the coordinator.
type Event struct {
	Timestamp time.Time
	DeviceID  string
	AlertID   string
	Action    alerting.Action
	Ratio     float64
	CallSID   string
	Notified  bool
}

// Payload is the wire form of an Event.
type Payload struct {
	Timestamp string  `json:"timestamp"`
	DeviceID  string  `json:"device_id"`
	AlertID   string  `json:"alert_id"`
	Action    string  `json:"action"`
	Ratio     float64 `json:"ratio"`
	CallSID   string  `json:"call_sid,omitempty"`
	Notified  bool    `json:"notified"`
}

// FormatPayload renders an event as JSON.
func FormatPayload(e Event) ([]byte, error) {
	return json.Marshal(Payload{
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		DeviceID:  e.DeviceID,
		AlertID:   e.AlertID,
		Action:    e.Action.String(),
		Ratio:     e.Ratio,
		CallSID:   e.CallSID,
		Notified:  e.Notified,
	})
}

// Publisher sends events. Failures are reported but must not stop sampling.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of what was published.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
