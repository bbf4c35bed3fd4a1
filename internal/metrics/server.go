package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// DeviceHealth is the last known poll outcome for one device.
type DeviceHealth struct {
	DeviceID  string    `json:"device_id"`
	Up        bool      `json:"up"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Health tracks per-device reachability for /healthz.
type Health struct {
	mu      sync.RWMutex
	devices map[string]DeviceHealth
}

func NewHealth() *Health {
	return &Health{devices: make(map[string]DeviceHealth)}
}

// MarkUp records a successful poll.
func (h *Health) MarkUp(deviceID string, at time.Time) {
	h.mu.Lock()
	h.devices[deviceID] = DeviceHealth{DeviceID: deviceID, Up: true, LastSeen: at}
	h.mu.Unlock()
	DeviceUp.WithLabelValues(deviceID).Set(1)
}

// MarkDown records a failed poll, keeping the last successful timestamp.
func (h *Health) MarkDown(deviceID string, err error) {
	h.mu.Lock()
	prev := h.devices[deviceID]
	h.devices[deviceID] = DeviceHealth{DeviceID: deviceID, Up: false, LastSeen: prev.LastSeen, LastError: err.Error()}
	h.mu.Unlock()
	DeviceUp.WithLabelValues(deviceID).Set(0)
}

// Snapshot lists devices sorted by id.
func (h *Health) Snapshot() []DeviceHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]DeviceHealth, 0, len(h.devices))
	for _, d := range h.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Server exposes /metrics and /healthz.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer builds the HTTP server. health may be nil.
func NewServer(listen string, health *Health, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", HealthHandler(health))
	return &Server{
		srv: &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// HealthHandler reports ok unless every known device is down.
func HealthHandler(health *Health) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var devices []DeviceHealth
		if health != nil {
			devices = health.Snapshot()
		}
		status := "ok"
		code := http.StatusOK
		if len(devices) > 0 {
			anyUp := false
			for _, d := range devices {
				anyUp = anyUp || d.Up
			}
			if !anyUp {
				status = "degraded"
				code = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  status,
			"devices": devices,
		})
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.srv.Addr).Msg("metrics server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
