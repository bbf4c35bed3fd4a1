package device

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Step is one scripted poll result.
type Step struct {
	Ratio float64
	Err   error
}

// ScriptedTransport replays a fixed sequence of ratios per device. It backs
// simulate-alert and coordinator tests.
type ScriptedTransport struct {
	mu    sync.Mutex
	ro    float64
	steps map[string][]Step
	now   func() time.Time
}

// NewScriptedTransport reports readings around baseline ro, stamped with now.
func NewScriptedTransport(ro float64, now func() time.Time) *ScriptedTransport {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &ScriptedTransport{ro: ro, steps: make(map[string][]Step), now: now}
}

// Script appends steps for a device.
func (s *ScriptedTransport) Script(deviceID string, steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[deviceID] = append(s.steps[deviceID], steps...)
}

// Ratios is shorthand for scripting successful polls.
func (s *ScriptedTransport) Ratios(deviceID string, ratios ...float64) {
	steps := make([]Step, len(ratios))
	for i, r := range ratios {
		steps[i] = Step{Ratio: r}
	}
	s.Script(deviceID, steps...)
}

// Remaining reports how many steps are left for a device.
func (s *ScriptedTransport) Remaining(deviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps[deviceID])
}

func (s *ScriptedTransport) GetStatus(ctx context.Context, deviceID, _ string) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrDeviceUnreachable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.steps[deviceID]
	if len(queue) == 0 {
		return Reading{}, fmt.Errorf("%w: no scripted reading left for %s", ErrDeviceUnreachable, deviceID)
	}
	step := queue[0]
	s.steps[deviceID] = queue[1:]
	if step.Err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrDeviceUnreachable, step.Err)
	}
	return Reading{
		DeviceID:   deviceID,
		Ro:         s.ro,
		Rs:         s.ro * step.Ratio,
		Ratio:      step.Ratio,
		Status:     "scripted",
		ObservedAt: Timestamp(s.now()),
	}, nil
}

func (s *ScriptedTransport) GetCalibration(ctx context.Context, deviceID, _ string) (CalibrationResult, error) {
	if err := ctx.Err(); err != nil {
		return CalibrationResult{}, fmt.Errorf("%w: %v", ErrDeviceUnreachable, err)
	}
	return CalibrationResult{DeviceID: deviceID, Ro: s.ro, CalibratedAt: Timestamp(s.now())}, nil
}

var _ Transport = (*ScriptedTransport)(nil)
