package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/wanderstories/watermark-hub/internal/config"
)

func TestNewOriginClientHasNoOverallTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{FetchTimeout: config.Duration(5 * time.Second)},
		Origin: config.OriginConfig{Host: "wanderstories.space", Scheme: "https"},
	}

	client := NewOriginClient(cfg)
	if client.Timeout != 0 {
		t.Fatalf("client timeout should be driven by context, got %s", client.Timeout)
	}
	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("unexpected transport %T", client.Transport)
	}
	if transport.ResponseHeaderTimeout != 5*time.Second {
		t.Fatalf("expected header timeout capped to fetch timeout, got %s", transport.ResponseHeaderTimeout)
	}
}

func TestOriginClientRefusesCrossHostRedirect(t *testing.T) {
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("redirect target must not be contacted")
	}))
	defer other.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, other.URL+"/content/media/a.mp4", http.StatusFound)
	}))
	defer origin.Close()

	u, _ := url.Parse(origin.URL)
	cfg := &config.Config{Origin: config.OriginConfig{Host: u.Host, Scheme: "http"}}
	client := NewOriginClient(cfg)

	otherURL, _ := url.Parse(other.URL)
	if strings.EqualFold(otherURL.Host, u.Host) {
		t.Skip("test servers share a host")
	}

	resp, err := client.Get(origin.URL + "/content/media/a.mp4")
	if err == nil {
		resp.Body.Close()
		t.Fatalf("expected redirect error")
	}
	if !errors.Is(err, ErrCrossHostRedirect) {
		t.Fatalf("expected ErrCrossHostRedirect, got %v", err)
	}
}

func TestOriginClientFollowsSameHostRedirect(t *testing.T) {
	var origin *httptest.Server
	origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old.mp4" {
			http.Redirect(w, r, origin.URL+"/new.mp4", http.StatusMovedPermanently)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer origin.Close()

	u, _ := url.Parse(origin.URL)
	client := NewOriginClient(&config.Config{Origin: config.OriginConfig{Host: u.Host, Scheme: "http"}})
	resp, err := client.Get(origin.URL + "/old.mp4")
	if err != nil {
		t.Fatalf("same-host redirect should succeed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}
