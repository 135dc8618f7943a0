// Package proxy wires path validation, origin resolution, the disk cache, the
// in-flight guard and the watermark pipeline into a single Fiber handler.
package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/wanderstories/watermark-hub/internal/cache"
	"github.com/wanderstories/watermark-hub/internal/errs"
	"github.com/wanderstories/watermark-hub/internal/inflight"
	"github.com/wanderstories/watermark-hub/internal/logging"
	"github.com/wanderstories/watermark-hub/internal/metrics"
	"github.com/wanderstories/watermark-hub/internal/origin"
	"github.com/wanderstories/watermark-hub/internal/pathguard"
	"github.com/wanderstories/watermark-hub/internal/server"
	"github.com/wanderstories/watermark-hub/internal/telemetry"
)

const (
	headerCacheHit = "X-Watermark-Cache-Hit"
	headerRole     = "X-Watermark-Role"

	roleHit = "hit"
)

// Producer 生成并提交一个缓存条目，通常由 *pipeline.Pipeline 实现。
type Producer interface {
	Produce(ctx context.Context, locator cache.Locator, origin *url.URL) (cache.Entry, error)
}

// Reader 是代理层需要的缓存读取能力。
type Reader interface {
	Open(ctx context.Context, locator cache.Locator) (*cache.ReadResult, error)
}

// ErrorReporter 上报 5xx 失败；默认使用 telemetry.CaptureError。
type ErrorReporter func(err error, tags map[string]string)

// Options 汇总 Handler 依赖。
type Options struct {
	Logger    *logrus.Logger
	Validator *pathguard.Validator
	Resolver  *origin.Resolver
	Store     Reader
	Guard     *inflight.Guard
	Pipeline  Producer
	Metrics   *metrics.Collector
	Reporter  ErrorReporter

	// FollowerMode 为 redirect 时，遇到进行中任务立即 302 到源站。
	FollowerMode        inflight.Mode
	FollowerWaitTimeout time.Duration
	// RedirectOnWaitTimeout 为 true 时 follower 等待超时改为 302，否则返回 504。
	RedirectOnWaitTimeout bool
}

// Handler 负责 orchestrate “校验 → 缓存命中 → 单飞生产 → 流式返回” 的全流程。
type Handler struct {
	opts Options
}

// NewHandler 校验依赖并构造 Handler。
func NewHandler(opts Options) (*Handler, error) {
	switch {
	case opts.Logger == nil:
		return nil, errors.New("logger is required")
	case opts.Validator == nil:
		return nil, errors.New("path validator is required")
	case opts.Resolver == nil:
		return nil, errors.New("origin resolver is required")
	case opts.Store == nil:
		return nil, errors.New("cache store is required")
	case opts.Guard == nil:
		return nil, errors.New("in-flight guard is required")
	case opts.Pipeline == nil:
		return nil, errors.New("pipeline is required")
	}
	if opts.FollowerMode == "" {
		opts.FollowerMode = inflight.ModeWait
	}
	if opts.Reporter == nil {
		opts.Reporter = telemetry.CaptureError
	}
	return &Handler{opts: opts}, nil
}

type requestState struct {
	requestID string
	raw       string
	key       pathguard.AssetKey
	started   time.Time
	role      string
	cacheHit  bool
}

// Handle 执行完整请求流程，任何阶段出错都会输出结构化日志并返回 JSON 错误体。
func (h *Handler) Handle(c fiber.Ctx) error {
	st := &requestState{
		requestID: server.RequestID(c),
		raw:       rawTarget(c),
		started:   time.Now(),
	}

	vp, err := h.opts.Validator.Validate(st.raw)
	if err != nil {
		return h.fail(c, st, err)
	}
	st.key = vp.Key

	target, err := h.opts.Resolver.Resolve(vp)
	if err != nil {
		return h.fail(c, st, err)
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	locator := cache.Locator{Namespace: vp.Key.Namespace, Path: vp.Key.Name}

	cached, err := h.opts.Store.Open(ctx, locator)
	switch {
	case err == nil:
		h.opts.Metrics.CacheLookup(true)
		st.role = roleHit
		st.cacheHit = true
		return h.serve(c, st, vp, cached)
	case errors.Is(err, cache.ErrNotFound):
	default:
		h.opts.Logger.WithError(err).
			WithFields(logging.RequestFields(st.requestID, st.key.Namespace, st.key.String(), "", false)).
			Warn("cache_open_failed")
	}
	h.opts.Metrics.CacheLookup(false)

	outcome, err := h.opts.Guard.Do(ctx, vp.Key.String(), inflight.JoinOptions{
		Mode:        h.opts.FollowerMode,
		WaitTimeout: h.opts.FollowerWaitTimeout,
	}, func(pctx context.Context) (cache.Entry, error) {
		return h.opts.Pipeline.Produce(pctx, locator, target)
	})
	if outcome.Role != "" {
		st.role = string(outcome.Role)
	}
	if outcome.Role == inflight.RoleFollower && !errors.Is(err, inflight.ErrInFlight) {
		h.opts.Metrics.FollowerJoin(string(inflight.ModeWait))
	}

	switch {
	case errors.Is(err, inflight.ErrInFlight):
		h.opts.Metrics.FollowerJoin(string(inflight.ModeRedirect))
		st.role = string(inflight.RoleFollower)
		return h.redirect(c, st, target, "in_flight")
	case errors.Is(err, inflight.ErrWaitTimeout):
		if h.opts.RedirectOnWaitTimeout {
			return h.redirect(c, st, target, "wait_timeout")
		}
		return h.fail(c, st, errs.Timeout("follower wait", err))
	case err != nil && !errs.Typed(err) && ctx.Err() != nil:
		// 请求 context 被取消（服务关闭），生产任务可能仍在后台继续。
		return h.fail(c, st, errs.Timeout("request cancelled while waiting", err))
	case err != nil:
		if !errs.Typed(err) {
			err = errs.Internal("production did not complete", err)
		}
		return h.fail(c, st, err)
	}

	result, err := h.opts.Store.Open(ctx, locator)
	if err != nil {
		return h.fail(c, st, errs.FilesystemFailed("open committed entry", err))
	}
	return h.serve(c, st, vp, result)
}

func (h *Handler) serve(c fiber.Ctx, st *requestState, vp pathguard.ValidatedPath, result *cache.ReadResult) error {
	c.Set(fiber.HeaderContentType, contentTypeFor(vp.Extension))
	c.Set(headerCacheHit, strconv.FormatBool(st.cacheHit))
	c.Set(headerRole, st.role)
	if !result.Entry.ModTime.IsZero() {
		c.Set(fiber.HeaderLastModified, result.Entry.ModTime.UTC().Format(http.TimeFormat))
	}
	c.Status(fiber.StatusOK)

	h.logResult(st, fiber.StatusOK, nil)
	return c.SendStream(result.Reader, int(result.Entry.SizeBytes))
}

func (h *Handler) redirect(c fiber.Ctx, st *requestState, target *url.URL, reason string) error {
	c.Set(headerCacheHit, "false")
	c.Set(headerRole, st.role)
	h.opts.Logger.WithFields(logging.RequestFields(st.requestID, st.key.Namespace, st.key.String(), st.role, false)).
		WithFields(logrus.Fields{
			"action":   "proxy",
			"reason":   reason,
			"location": target.String(),
		}).Info("proxy_redirect")
	return c.Redirect().Status(fiber.StatusFound).To(target.String())
}

func (h *Handler) fail(c fiber.Ctx, st *requestState, err error) error {
	status := errs.HTTPStatus(err)
	if status >= fiber.StatusInternalServerError {
		h.opts.Reporter(err, map[string]string{
			"asset_key":  st.key.String(),
			"code":       string(errs.Code(err)),
			"request_id": st.requestID,
		})
	}
	h.logResult(st, status, err)
	c.Set(headerCacheHit, "false")
	if st.role != "" {
		c.Set(headerRole, st.role)
	}
	return c.Status(status).JSON(errs.Body(err))
}

func (h *Handler) logResult(st *requestState, status int, err error) {
	fields := logging.RequestFields(st.requestID, st.key.Namespace, st.key.String(), st.role, st.cacheHit)
	fields["action"] = "proxy"
	fields["path"] = st.raw
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(st.started).Milliseconds()
	if err == nil {
		h.opts.Logger.WithFields(fields).Info("proxy_complete")
		return
	}
	fields["error"] = err.Error()
	fields["code"] = string(errs.Code(err))
	entry := h.opts.Logger.WithFields(fields)
	if errs.IsClientError(err) {
		entry.Warn("proxy_failed")
		return
	}
	entry.Error("proxy_failed")
}

// rawTarget 返回未经路由归一化的原始路径；查询串会被拼回，交由校验器拒绝。
func rawTarget(c fiber.Ctx) string {
	uri := c.Request().URI()
	raw := string(uri.PathOriginal())
	if q := uri.QueryString(); len(q) > 0 {
		raw += "?" + string(q)
	}
	return raw
}

var contentTypes = map[string]string{
	"mp4":  "video/mp4",
	"webm": "video/webm",
	"mov":  "video/quicktime",
	"m4v":  "video/x-m4v",
	"mkv":  "video/x-matroska",
}

func contentTypeFor(ext string) string {
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return fiber.MIMEOctetStream
}

