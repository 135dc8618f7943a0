// Package pipeline implements the leader-side production of one asset: stream
// the origin file into the staging area, burn the watermark into a second
// staged file, and promote that file into the cache. Staged files are removed
// on every exit path before the result is returned.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/wanderstories/watermark-hub/internal/cache"
	"github.com/wanderstories/watermark-hub/internal/errs"
	"github.com/wanderstories/watermark-hub/internal/metrics"
	"github.com/wanderstories/watermark-hub/internal/watermark"
)

// Store 是流水线需要的缓存能力子集。
type Store interface {
	Lookup(ctx context.Context, locator cache.Locator) (*cache.Entry, error)
	CreateTemp(pattern string) (*os.File, error)
	Commit(ctx context.Context, locator cache.Locator, stagedPath string) (cache.CommitResult, error)
}

// Options 汇总流水线依赖与限额。
type Options struct {
	Client  *http.Client
	Store   Store
	Tool    watermark.Tool
	Logger  *logrus.Logger
	Metrics *metrics.Collector

	Overlay  string
	Position watermark.Position
	Margins  watermark.Margins

	FetchTimeout      time.Duration
	ProcessTimeout    time.Duration
	MaxDownloadBytes  int64
	MaxConcurrentJobs int
	UserAgent         string
}

// Pipeline 是无状态的，可被多个 leader 并发调用，总并发由 slots 限制。
type Pipeline struct {
	opts  Options
	slots *semaphore.Weighted
}

// New 校验依赖并创建 Pipeline。
func New(opts Options) (*Pipeline, error) {
	if opts.Client == nil {
		return nil, errors.New("http client is required")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Tool == nil {
		return nil, errors.New("watermark tool is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 2 * time.Minute
	}
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = 10 * time.Minute
	}
	if opts.Position == "" {
		opts.Position = watermark.Center
	}

	p := &Pipeline{opts: opts}
	if opts.MaxConcurrentJobs > 0 {
		p.slots = semaphore.NewWeighted(int64(opts.MaxConcurrentJobs))
	}
	return p, nil
}

// Produce 下载、打水印并提交，返回已提交的缓存条目或带错误码的失败。
func (p *Pipeline) Produce(ctx context.Context, locator cache.Locator, origin *url.URL) (cache.Entry, error) {
	started := time.Now()
	entry, downloaded, err := p.produce(ctx, locator, origin)

	outcome := "ok"
	if err != nil {
		outcome = string(errs.Code(err))
	}
	p.opts.Metrics.Production(outcome, time.Since(started))

	fields := logrus.Fields{
		"action":     "pipeline",
		"asset_key":  locator.Namespace + "/" + locator.Path,
		"origin":     origin.String(),
		"bytes_in":   downloaded,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		fields["code"] = outcome
		p.opts.Logger.WithFields(fields).Error("pipeline_failed")
		return cache.Entry{}, err
	}
	fields["bytes_out"] = entry.SizeBytes
	p.opts.Logger.WithFields(fields).Info("pipeline_complete")
	return entry, nil
}

func (p *Pipeline) produce(ctx context.Context, locator cache.Locator, origin *url.URL) (cache.Entry, int64, error) {
	// 上一个 leader 可能在本请求 miss 之后刚刚提交完成。
	if existing, err := p.opts.Store.Lookup(ctx, locator); err == nil {
		return *existing, 0, nil
	} else if !errors.Is(err, cache.ErrNotFound) {
		return cache.Entry{}, 0, errs.FilesystemFailed("cache lookup", err)
	}

	if p.slots != nil {
		if err := p.slots.Acquire(ctx, 1); err != nil {
			return cache.Entry{}, 0, errs.Internal("waiting for a production slot", err)
		}
		defer p.slots.Release(1)
	}

	base := path.Base(locator.Path)

	download, err := p.opts.Store.CreateTemp("*-src-" + base)
	if err != nil {
		return cache.Entry{}, 0, errs.FilesystemFailed("create download file", err)
	}
	downloadPath := download.Name()
	defer p.remove(downloadPath)

	n, err := p.fetch(ctx, origin, download)
	if err != nil {
		return cache.Entry{}, n, err
	}

	output, err := p.opts.Store.CreateTemp("*-out-" + base)
	if err != nil {
		return cache.Entry{}, n, errs.FilesystemFailed("create output file", err)
	}
	outputPath := output.Name()
	_ = output.Close()
	committed := false
	defer func() {
		if !committed {
			p.remove(outputPath)
		}
	}()

	if err := p.process(ctx, downloadPath, outputPath); err != nil {
		return cache.Entry{}, n, err
	}

	result, err := p.opts.Store.Commit(ctx, locator, outputPath)
	if err != nil {
		if errors.Is(err, cache.ErrEmptyArtifact) {
			return cache.Entry{}, n, errs.ProcessingFailed("watermark output is empty", err)
		}
		return cache.Entry{}, n, errs.FilesystemFailed("commit", err)
	}
	committed = true
	if result.Discarded {
		p.opts.Logger.WithFields(logrus.Fields{
			"action":    "pipeline",
			"asset_key": locator.Namespace + "/" + locator.Path,
		}).Warn("commit_discarded")
	}
	return result.Entry, n, nil
}

func (p *Pipeline) fetch(ctx context.Context, origin *url.URL, dst *os.File) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.FetchTimeout)
	defer cancel()

	target := origin.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		_ = dst.Close()
		return 0, errs.FetchFailed(target, "build origin request", err)
	}
	if p.opts.UserAgent != "" {
		req.Header.Set("User-Agent", p.opts.UserAgent)
	}

	resp, err := p.opts.Client.Do(req)
	if err != nil {
		_ = dst.Close()
		return 0, classifyFetchError(ctx, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = dst.Close()
		return 0, errs.OriginMissing(target, resp.StatusCode)
	}

	limit := p.opts.MaxDownloadBytes
	if limit > 0 && resp.ContentLength > limit {
		_ = dst.Close()
		return 0, errs.FetchFailed(target, fmt.Sprintf("asset is %d bytes, limit is %d", resp.ContentLength, limit), nil)
	}

	var body io.Reader = resp.Body
	if limit > 0 {
		body = io.LimitReader(resp.Body, limit+1)
	}
	n, copyErr := io.Copy(dst, body)
	closeErr := dst.Close()
	p.opts.Metrics.OriginBytes(n)

	switch {
	case copyErr != nil:
		if ctx.Err() != nil {
			return n, classifyFetchError(ctx, target, copyErr)
		}
		return n, errs.FetchFailed(target, "download interrupted", copyErr)
	case closeErr != nil:
		return n, errs.FilesystemFailed("write download file", closeErr)
	case limit > 0 && n > limit:
		return n, errs.FetchFailed(target, fmt.Sprintf("asset exceeds %d bytes", limit), nil)
	case n == 0:
		return n, errs.FetchFailed(target, "origin returned an empty body", nil)
	case resp.ContentLength >= 0 && n != resp.ContentLength:
		return n, errs.FetchFailed(target, "origin body was truncated", nil)
	}
	return n, nil
}

func (p *Pipeline) process(ctx context.Context, input, output string) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ProcessTimeout)
	defer cancel()

	err := p.opts.Tool.Apply(ctx, watermark.Job{
		Input:    input,
		Output:   output,
		Overlay:  p.opts.Overlay,
		Position: p.opts.Position,
		Margins:  p.opts.Margins,
	})
	if err == nil {
		return nil
	}
	if errs.Typed(err) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errs.Timeout("watermark", err)
	}
	return errs.ProcessingFailed("watermark tool failed", err)
}

func (p *Pipeline) remove(name string) {
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.opts.Logger.WithError(err).WithFields(logrus.Fields{
			"action": "pipeline",
			"path":   name,
		}).Warn("temp_cleanup_failed")
	}
}

func classifyFetchError(ctx context.Context, target string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errs.Timeout("fetch", err)
	}
	if errors.Is(err, context.Canceled) {
		return errs.FetchFailed(target, "fetch cancelled", err)
	}
	return errs.OriginUnreachable(target, err)
}
