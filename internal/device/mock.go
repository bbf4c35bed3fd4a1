package device

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// MockTransport fabricates plausible MQ-135 readings for bench runs without hardware.
type MockTransport struct {
	mu  sync.Mutex
	ro  map[string]float64
	rng *rand.Rand
	now func() time.Time
}

// NewMockTransport seeds a mock transport.
func NewMockTransport(seed uint64) *MockTransport {
	return &MockTransport{
		ro:  make(map[string]float64),
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// GetStatus returns a random reading around a per-device stable Ro.
func (m *MockTransport) GetStatus(ctx context.Context, deviceID, _ string) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ro := m.baseline(deviceID)
	rs := ro * (0.3 + m.rng.Float64()*1.2)
	vout := 0.05 + m.rng.Float64()*3.45

	reading := normalize(deviceID, round(ro, 2), round(rs, 1), 0, round(vout, 3), Timestamp(m.now()))
	reading.Status = "mock"
	return reading, nil
}

// GetCalibration reports the mock baseline.
func (m *MockTransport) GetCalibration(ctx context.Context, deviceID, _ string) (CalibrationResult, error) {
	if err := ctx.Err(); err != nil {
		return CalibrationResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return CalibrationResult{DeviceID: deviceID, Ro: round(m.baseline(deviceID), 2), CalibratedAt: Timestamp(m.now())}, nil
}

func (m *MockTransport) baseline(deviceID string) float64 {
	ro, ok := m.ro[deviceID]
	if !ok {
		ro = 200000 + m.rng.Float64()*500000
		m.ro[deviceID] = ro
	}
	return ro
}

func round(v float64, places int) float64 {
	p := 1.0
	for i := 0; i < places; i++ {
		p *= 10
	}
	return float64(int64(v*p+0.5)) / p
}

var _ Transport = (*MockTransport)(nil)
