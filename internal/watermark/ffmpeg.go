// Package watermark wraps the external compositing tool behind one synchronous
// call: input video plus overlay image and anchor in, finished video out. The
// tool fails closed, so a non-zero exit, a cancelled context or a missing or
// empty output file all count as failure.
package watermark

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jmgilman/go/exec"

	"github.com/wanderstories/watermark-hub/internal/errs"
)

// Job 描述一次水印合成。
type Job struct {
	Input    string
	Output   string
	Overlay  string
	Position Position
	Margins  Margins
}

// Tool 是水印合成的抽象，流水线只依赖该接口。
type Tool interface {
	Apply(ctx context.Context, job Job) error
}

// CommandRunner 执行外部命令并返回 stderr，测试中可替换。
type CommandRunner func(ctx context.Context, name string, args ...string) (string, error)

// FFmpeg 通过 ffmpeg 的 overlay 滤镜烧录水印。
type FFmpeg struct {
	binary string
	runner CommandRunner
}

// NewFFmpeg 创建默认使用 jmgilman/go/exec 执行的 FFmpeg 工具。
func NewFFmpeg(binary string) *FFmpeg {
	if strings.TrimSpace(binary) == "" {
		binary = "ffmpeg"
	}
	return &FFmpeg{binary: binary, runner: execRunner}
}

// WithRunner 替换命令执行器，返回自身便于链式调用。
func (f *FFmpeg) WithRunner(runner CommandRunner) *FFmpeg {
	if runner != nil {
		f.runner = runner
	}
	return f
}

// Check 运行 ffmpeg -version，用于启动阶段提示工具缺失。
func (f *FFmpeg) Check(ctx context.Context) error {
	if _, err := f.runner(ctx, f.binary, "-hide_banner", "-version"); err != nil {
		return fmt.Errorf("%s unavailable: %w", f.binary, err)
	}
	return nil
}

// Apply 运行 ffmpeg 并校验输出文件。
func (f *FFmpeg) Apply(ctx context.Context, job Job) error {
	if err := requireFile(job.Input, "input"); err != nil {
		return err
	}
	if err := requireFile(job.Overlay, "overlay"); err != nil {
		return err
	}
	if job.Output == "" {
		return errs.ProcessingFailed("output path is required", nil)
	}

	stderr, err := f.runner(ctx, f.binary, Args(job)...)
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			return errs.Timeout("watermark", ctxErr)
		}
		reason := "watermark tool failed"
		if tail := lastLine(stderr); tail != "" {
			reason = reason + ": " + tail
		}
		return errs.ProcessingFailed(reason, err)
	}

	info, err := os.Stat(job.Output)
	if err != nil {
		return errs.ProcessingFailed("watermark tool produced no output", err)
	}
	if info.Size() == 0 {
		return errs.ProcessingFailed("watermark tool produced an empty file", nil)
	}
	return nil
}

// Args 构建 ffmpeg 参数列表；音轨直接复制，视频轨重新编码。
func Args(job Job) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
		"-y",
		"-i", job.Input,
		"-i", job.Overlay,
		"-filter_complex", overlayExpr(job.Position, job.Margins),
		"-codec:a", "copy",
		job.Output,
	}
}

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.New(exec.WithDisableColors())
	result, err := cmd.WithContext(ctx).WithInheritEnv().Run(append([]string{name}, args...)...)
	if err != nil {
		var execErr *exec.ExecError
		if errors.As(err, &execErr) {
			return execErr.Stderr, err
		}
		return "", err
	}
	return result.Stderr, nil
}

func requireFile(path, what string) error {
	if path == "" {
		return errs.ProcessingFailed(what+" path is required", nil)
	}
	info, err := os.Stat(path)
	if err != nil {
		return errs.ProcessingFailed(what+" file is not readable", err)
	}
	if info.IsDir() {
		return errs.ProcessingFailed(what+" path is a directory", nil)
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
