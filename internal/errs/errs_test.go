package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid path", InvalidPath("/x", "traversal"), http.StatusBadRequest},
		{"route not found", RouteNotFound("/x"), http.StatusNotFound},
		{"unsupported", UnsupportedFormat("/x.mov", "mov"), http.StatusNotFound},
		{"origin missing", OriginMissing("https://o/x", 404), http.StatusNotFound},
		{"unreachable", OriginUnreachable("https://o/x", errors.New("dial")), http.StatusBadGateway},
		{"fetch failed", FetchFailed("https://o/x", "status 500", nil), http.StatusInternalServerError},
		{"processing", ProcessingFailed("exit 1", nil), http.StatusInternalServerError},
		{"filesystem", FilesystemFailed("rename", errors.New("EXDEV")), http.StatusInternalServerError},
		{"timeout", Timeout("fetch", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"plain error", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := HTTPStatus(tc.err); got != tc.status {
				t.Fatalf("expected %d, got %d (%v)", tc.status, got, tc.err)
			}
		})
	}
}

func TestWrappedCausesRemainReachable(t *testing.T) {
	err := Timeout("process", context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("timeout should wrap the deadline error")
	}
	if !Is(err, CodeTimeout) {
		t.Fatalf("expected TIMEOUT code, got %s", Code(err))
	}
}

func TestRetryClassification(t *testing.T) {
	if !Retryable(OriginUnreachable("https://o/x", errors.New("reset"))) {
		t.Fatalf("origin unreachable should be retryable")
	}
	if Retryable(InvalidPath("/x", "bad")) {
		t.Fatalf("invalid path should be permanent")
	}
}

func TestBodyHidesCauseAndKeepsContext(t *testing.T) {
	err := FilesystemFailed("rename", errors.New("/secret/path: permission denied"))
	body := Body(err)
	if body.Code != string(CodeFilesystemFailed) {
		t.Fatalf("unexpected code %s", body.Code)
	}
	if body.Message != "rename" {
		t.Fatalf("message should not include cause, got %q", body.Message)
	}
	if body.Context["op"] != "rename" {
		t.Fatalf("context should carry op, got %v", body.Context)
	}

	plain := Body(errors.New("boom"))
	if plain.Code != string(CodeInternal) {
		t.Fatalf("plain errors should map to internal, got %s", plain.Code)
	}
}

func TestIsClientError(t *testing.T) {
	if !IsClientError(UnsupportedFormat("/a.mov", "mov")) {
		t.Fatalf("unsupported format is a client error")
	}
	if IsClientError(ProcessingFailed("boom", nil)) {
		t.Fatalf("processing failure is a server error")
	}
}
