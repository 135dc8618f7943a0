package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewRegistersWithoutPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
}

func TestNewDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic on double registration")
		}
	}()
	New(reg)
}

func TestCollectorObservationsAreExposed(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	RegisterInflight(reg, func() int { return 3 })

	c.CacheLookup(true)
	c.CacheLookup(false)
	c.Production("ok", 2*time.Second)
	c.FollowerJoin("wait")
	c.OriginBytes(1024)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/-/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`watermark_cache_lookups_total{result="hit"} 1`,
		`watermark_cache_lookups_total{result="miss"} 1`,
		`watermark_productions_total{outcome="ok"} 1`,
		`watermark_follower_joins_total{mode="wait"} 1`,
		`watermark_origin_bytes_total 1024`,
		`watermark_inflight_tasks 3`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, text)
		}
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.CacheLookup(true)
	c.Production("ok", time.Second)
	c.FollowerJoin("redirect")
	c.OriginBytes(10)
}
