package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testNote() Notification {
	return Notification{
		AlertID:     "a-1",
		DeviceID:    "esp32_001",
		Action:      OpenAlert,
		Ratio:       0.412,
		ObservedAt:  time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		PhoneNumber: "+15550001111",
	}
}

func TestTwilioNotifierSuccess(t *testing.T) {
	var form url.Values
	var user, pass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/Accounts/AC123/Calls.json") {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		user, pass, _ = r.BasicAuth()
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"sid": "CA999", "status": "queued"})
	}))
	defer srv.Close()

	notifier := NewTwilioNotifier(TwilioOptions{
		AccountSID: "AC123",
		AuthToken:  "secret",
		FromNumber: "+15559998888",
		WebhookURL: "https://example.test/voice",
		APIBase:    srv.URL,
		Timeout:    time.Second,
	}, testLogger())

	sid, err := notifier.Notify(context.Background(), testNote())
	if err != nil {
		t.Fatalf("notify should succeed: %v", err)
	}
	if sid != "CA999" {
		t.Fatalf("want call sid CA999, got %q", sid)
	}
	if user != "AC123" || pass != "secret" {
		t.Fatalf("basic auth not sent, got %q/%q", user, pass)
	}
	if form.Get("To") != "+15550001111" || form.Get("From") != "+15559998888" {
		t.Fatalf("unexpected numbers in form: %v", form)
	}
	if !strings.HasPrefix(form.Get("Url"), "https://example.test/voice?context=") {
		t.Fatalf("webhook url not used: %q", form.Get("Url"))
	}
}

func TestTwilioNotifierInlineTwiml(t *testing.T) {
	var twiml string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		twiml = r.PostForm.Get("Twiml")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"sid": "CA1"})
	}))
	defer srv.Close()

	notifier := NewTwilioNotifier(TwilioOptions{AccountSID: "AC1", APIBase: srv.URL, Timeout: time.Second}, testLogger())
	if _, err := notifier.Notify(context.Background(), testNote()); err != nil {
		t.Fatalf("notify should succeed: %v", err)
	}
	if !strings.HasPrefix(twiml, "<Response><Say>") || !strings.Contains(twiml, "esp32_001") {
		t.Fatalf("unexpected twiml %q", twiml)
	}
}

func TestTwilioNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 21211, "message": "invalid To number"})
	}))
	defer srv.Close()

	notifier := NewTwilioNotifier(TwilioOptions{AccountSID: "AC1", APIBase: srv.URL, Timeout: time.Second}, testLogger())
	_, err := notifier.Notify(context.Background(), testNote())
	if !errors.Is(err, ErrNotificationFailure) {
		t.Fatalf("want ErrNotificationFailure, got %v", err)
	}
	if !strings.Contains(err.Error(), "invalid To number") {
		t.Fatalf("error should carry twilio message: %v", err)
	}
}

func TestTwilioNotifierTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	notifier := NewTwilioNotifier(TwilioOptions{AccountSID: "AC1", APIBase: srv.URL, Timeout: 20 * time.Millisecond}, testLogger())
	if _, err := notifier.Notify(context.Background(), testNote()); !errors.Is(err, ErrNotificationFailure) {
		t.Fatalf("timeout should surface as ErrNotificationFailure, got %v", err)
	}
}

func TestTwilioNotifierRequiresPhone(t *testing.T) {
	notifier := NewTwilioNotifier(TwilioOptions{AccountSID: "AC1"}, testLogger())
	note := testNote()
	note.PhoneNumber = ""
	if _, err := notifier.Notify(context.Background(), note); !errors.Is(err, ErrNotificationFailure) {
		t.Fatalf("missing phone should fail, got %v", err)
	}
}

func TestRenderMessage(t *testing.T) {
	msg := RenderMessage(testNote())
	for _, want := range []string{"esp32_001", "0.412", "2026-03-01T08:00:00Z"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
