package telemetry

import (
	"errors"
	"testing"

	"github.com/getsentry/sentry-go"
)

func TestInitSentryDisabledWithoutDSN(t *testing.T) {
	enabled, err := InitSentry("", "test", "dev")
	if err != nil {
		t.Fatalf("empty dsn should not fail: %v", err)
	}
	if enabled {
		t.Fatalf("empty dsn should leave sentry disabled")
	}
	// 未初始化时上报必须是安全的空操作。
	CaptureError(errors.New("boom"), map[string]string{"asset_key": "videos/demo.mp4"})
	CaptureError(nil, nil)
}

func TestInitSentryRejectsMalformedDSN(t *testing.T) {
	if _, err := InitSentry("not a dsn", "test", "dev"); err == nil {
		t.Fatalf("malformed dsn should fail")
	}
}

func TestScrubRemovesClientIdentity(t *testing.T) {
	event := &sentry.Event{
		User: sentry.User{IPAddress: "203.0.113.9"},
		Request: &sentry.Request{
			URL:     "http://localhost/content/media/a.mp4",
			Cookies: "session=abc",
			Headers: map[string]string{"Cookie": "session=abc", "X-Forwarded-For": "203.0.113.9", "Accept": "*/*"},
		},
	}
	out := scrub(event)
	if out.User.IPAddress != "" || out.Request.Cookies != "" {
		t.Fatalf("client identity should be removed: %+v", out)
	}
	if out.Request.Headers["X-Forwarded-For"] != "[redacted]" || out.Request.Headers["Accept"] != "*/*" {
		t.Fatalf("unexpected headers %v", out.Request.Headers)
	}
	if scrub(nil) != nil {
		t.Fatalf("nil event should stay nil")
	}
}
