package origin

import (
	"testing"

	"github.com/wanderstories/watermark-hub/internal/errs"
	"github.com/wanderstories/watermark-hub/internal/pathguard"
)

func newTestResolver(t *testing.T, host string) (*Resolver, *pathguard.Validator) {
	t.Helper()
	v, err := pathguard.New([]pathguard.Route{
		{Namespace: "videos", Prefix: "/content/images/videos/"},
		{Namespace: "media", Prefix: "/content/media/"},
	}, []string{"mp4"})
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	r, err := NewResolver("https", host, v)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	return r, v
}

func TestResolveDemoAsset(t *testing.T) {
	r, v := newTestResolver(t, "example.org")
	vp, err := v.Validate("/content/images/videos/demo.mp4")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	u, err := r.Resolve(vp)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := u.String(); got != "https://example.org/content/images/videos/demo.mp4" {
		t.Fatalf("unexpected origin url %s", got)
	}
}

func TestResolveKeepsPortInHost(t *testing.T) {
	r, v := newTestResolver(t, "127.0.0.1:8081")
	vp, _ := v.Validate("/content/media/a.mp4")
	u, err := r.Resolve(vp)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if u.Host != "127.0.0.1:8081" {
		t.Fatalf("unexpected host %s", u.Host)
	}
}

func TestResolveRejectsHandcraftedPaths(t *testing.T) {
	r, _ := newTestResolver(t, "example.org")
	cases := []struct {
		name string
		path string
	}{
		{"relative", "content/media/a.mp4"},
		{"authority smuggling", "@evil.example/content/media/a.mp4"},
		{"query", "/content/media/a.mp4?x=1"},
		{"fragment", "/content/media/a.mp4#f"},
		{"outside prefixes", "/etc/passwd.mp4"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Resolve(pathguard.ValidatedPath{Raw: tc.path, Path: tc.path})
			if err == nil {
				t.Fatalf("expected rejection for %q", tc.path)
			}
			if !errs.Is(err, errs.CodeInvalidPath) {
				t.Fatalf("expected INVALID_PATH, got %v", err)
			}
		})
	}
}

func TestNewResolverRejectsUnsafeHosts(t *testing.T) {
	for _, host := range []string{"", "evil.example/path", "user@evil.example", "https://evil.example"} {
		if _, err := NewResolver("https", host, nil); err == nil {
			t.Fatalf("expected error for host %q", host)
		}
	}
	if _, err := NewResolver("ftp", "example.org", nil); err == nil {
		t.Fatalf("expected error for ftp scheme")
	}
}
