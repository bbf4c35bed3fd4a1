package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHealthHandler(t *testing.T) {
	health := NewHealth()

	rec := httptest.NewRecorder()
	HealthHandler(health)(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("no devices should be healthy, got %d", rec.Code)
	}

	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	health.MarkUp("a", at)
	health.MarkDown("b", errors.New("timeout"))

	rec = httptest.NewRecorder()
	HealthHandler(health)(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("one device up should be healthy, got %d", rec.Code)
	}
	var body struct {
		Status  string         `json:"status"`
		Devices []DeviceHealth `json:"devices"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Devices) != 2 || body.Devices[0].DeviceID != "a" || body.Devices[1].LastError != "timeout" {
		t.Fatalf("unexpected devices %+v", body.Devices)
	}

	health.MarkDown("a", errors.New("refused"))
	rec = httptest.NewRecorder()
	HealthHandler(health)(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("all devices down should be degraded, got %d", rec.Code)
	}
	if snap := health.Snapshot(); !snap[0].LastSeen.Equal(at) {
		t.Fatalf("last seen should survive a failed poll, got %s", snap[0].LastSeen)
	}
}
