package alerting

import (
	"errors"
	"fmt"
	"time"

	"spoilwatch/internal/freshness"
)

var (
	// ErrInconsistentAlertState signals a double-open or lost-alert bug. Callers must surface it.
	ErrInconsistentAlertState = errors.New("inconsistent alert state")
	// ErrNotificationFailure wraps any failed or timed out notification attempt.
	ErrNotificationFailure = errors.New("notification failed")
)

// Status is the lifecycle state of a persisted alert.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Alert is one spoilage episode for a device.
type Alert struct {
	ID              string
	DeviceID        string
	OpenedAt        time.Time
	Status          Status
	LastNotifiedAt  *time.Time
	TriggeringRatio float64
	ResolvedAt      *time.Time
	PhoneNumber     string
	LastCallSID     string
}

// Action is the outcome of a decision.
type Action int

const (
	NoAction Action = iota
	OpenAlert
	RenotifyAlert
	ResolveAlert
)

func (a Action) String() string {
	switch a {
	case NoAction:
		return "none"
	case OpenAlert:
		return "open"
	case RenotifyAlert:
		return "renotify"
	case ResolveAlert:
		return "resolve"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Notifies reports whether executing the action places a call.
func (a Action) Notifies() bool {
	return a == OpenAlert || a == RenotifyAlert
}

// Episode is the per-device alert state: either no alert, or an open one.
type Episode struct {
	Open           bool
	AlertID        string
	LastNotifiedAt *time.Time
}

// EpisodeOf derives the episode from the device's current alert snapshot.
func EpisodeOf(deviceID string, current *Alert) (Episode, error) {
	if current == nil {
		return Episode{}, nil
	}
	if current.Status != StatusOpen {
		return Episode{}, fmt.Errorf("%w: alert %s for device %s has status %q", ErrInconsistentAlertState, current.ID, deviceID, current.Status)
	}
	if current.DeviceID != deviceID {
		return Episode{}, fmt.Errorf("%w: alert %s belongs to device %s, not %s", ErrInconsistentAlertState, current.ID, current.DeviceID, deviceID)
	}
	if current.ID == "" {
		return Episode{}, fmt.Errorf("%w: open alert for device %s has no id", ErrInconsistentAlertState, deviceID)
	}
	return Episode{Open: true, AlertID: current.ID, LastNotifiedAt: current.LastNotifiedAt}, nil
}

// Decide maps (episode, classification, now) onto an action. It holds no state of its own.
//
// An open alert whose last notification never went through has a nil LastNotifiedAt and
// is always re-notified, so a failed call is retried on the next spoiled reading.
func Decide(deviceID string, state freshness.State, now time.Time, current *Alert, cooldown time.Duration) (Action, error) {
	episode, err := EpisodeOf(deviceID, current)
	if err != nil {
		return NoAction, err
	}

	switch state {
	case freshness.StateFresh, freshness.StateWarning:
		if episode.Open {
			return ResolveAlert, nil
		}
		return NoAction, nil
	case freshness.StateSpoiled:
		if !episode.Open {
			return OpenAlert, nil
		}
		if episode.LastNotifiedAt == nil {
			return RenotifyAlert, nil
		}
		if now.Sub(*episode.LastNotifiedAt) >= cooldown {
			return RenotifyAlert, nil
		}
		return NoAction, nil
	default:
		return NoAction, fmt.Errorf("%w: unknown freshness state %q", freshness.ErrInvalidReading, state)
	}
}
