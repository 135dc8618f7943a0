package watermark

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wanderstories/watermark-hub/internal/errs"
)

func TestOverlayExprPositions(t *testing.T) {
	m := Margins{North: 10, South: 20, East: 30, West: 40}
	cases := map[Position]string{
		NorthWest:   "overlay=40:10",
		NorthCenter: "overlay=(main_w-overlay_w)/2:10",
		NorthEast:   "overlay=main_w-overlay_w-30:10",
		CenterWest:  "overlay=40:(main_h-overlay_h)/2",
		Center:      "overlay=(main_w-overlay_w)/2:(main_h-overlay_h)/2",
		CenterEast:  "overlay=main_w-overlay_w-30:(main_h-overlay_h)/2",
		SouthWest:   "overlay=40:main_h-overlay_h-20",
		SouthCenter: "overlay=(main_w-overlay_w)/2:main_h-overlay_h-20",
		SouthEast:   "overlay=main_w-overlay_w-30:main_h-overlay_h-20",
	}
	for pos, want := range cases {
		if got := overlayExpr(pos, m); got != want {
			t.Fatalf("%s: expected %s, got %s", pos, want, got)
		}
	}
}

func TestParsePosition(t *testing.T) {
	if p, err := ParsePosition(" se "); err != nil || p != SouthEast {
		t.Fatalf("expected SE, got %s %v", p, err)
	}
	if p, err := ParsePosition(""); err != nil || p != Center {
		t.Fatalf("empty should default to center, got %s %v", p, err)
	}
	if _, err := ParsePosition("XX"); err == nil {
		t.Fatalf("unknown position should fail")
	}
}

func TestApplyPassesArgsAndChecksOutput(t *testing.T) {
	job := newTestJob(t)
	var gotName string
	var gotArgs []string
	tool := NewFFmpeg("/usr/bin/ffmpeg").WithRunner(func(ctx context.Context, name string, args ...string) (string, error) {
		gotName, gotArgs = name, args
		return "", os.WriteFile(args[len(args)-1], []byte("video+logo"), 0o644)
	})

	if err := tool.Apply(context.Background(), job); err != nil {
		t.Fatalf("apply error: %v", err)
	}
	if gotName != "/usr/bin/ffmpeg" {
		t.Fatalf("unexpected binary %s", gotName)
	}
	joined := strings.Join(gotArgs, " ")
	for _, want := range []string{"-i " + job.Input, "-i " + job.Overlay, "-filter_complex overlay=", "-codec:a copy"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args %q missing %q", joined, want)
		}
	}
	if gotArgs[len(gotArgs)-1] != job.Output {
		t.Fatalf("output must be the last argument")
	}
}

func TestApplyFailsClosed(t *testing.T) {
	cases := []struct {
		name   string
		runner CommandRunner
	}{
		{"non-zero exit", func(ctx context.Context, name string, args ...string) (string, error) {
			return "Invalid data found when processing input", errors.New("exit status 1")
		}},
		{"no output", func(ctx context.Context, name string, args ...string) (string, error) {
			_ = os.Remove(args[len(args)-1])
			return "", nil
		}},
		{"empty output", func(ctx context.Context, name string, args ...string) (string, error) {
			return "", os.WriteFile(args[len(args)-1], nil, 0o644)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			job := newTestJob(t)
			err := NewFFmpeg("").WithRunner(tc.runner).Apply(context.Background(), job)
			if !errs.Is(err, errs.CodeProcessingFailed) {
				t.Fatalf("expected PROCESSING_FAILED, got %v", err)
			}
		})
	}
}

func TestApplyReportsTimeout(t *testing.T) {
	job := newTestJob(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	tool := NewFFmpeg("").WithRunner(func(ctx context.Context, name string, args ...string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	if err := tool.Apply(ctx, job); !errs.Is(err, errs.CodeTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
}

func TestApplyRequiresOverlay(t *testing.T) {
	job := newTestJob(t)
	job.Overlay = filepath.Join(t.TempDir(), "missing.png")
	called := false
	tool := NewFFmpeg("").WithRunner(func(ctx context.Context, name string, args ...string) (string, error) {
		called = true
		return "", nil
	})
	if err := tool.Apply(context.Background(), job); err == nil {
		t.Fatalf("missing overlay should fail")
	}
	if called {
		t.Fatalf("tool must not run without an overlay")
	}
}

func newTestJob(t *testing.T) Job {
	t.Helper()
	dir := t.TempDir()
	input := filepath.Join(dir, "in.mp4")
	overlay := filepath.Join(dir, "logo.png")
	for _, p := range []string{input, overlay} {
		if err := os.WriteFile(p, []byte("data"), 0o644); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}
	return Job{
		Input:    input,
		Output:   filepath.Join(dir, "out.mp4"),
		Overlay:  overlay,
		Position: Center,
	}
}
