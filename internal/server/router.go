package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component that serves watermarked assets. It
// allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger        *logrus.Logger
	Proxy         ProxyHandler
	ListenPort    int
	HealthMessage string
	// FaviconPath 为空时不注册 /favicon.ico，请求会落到资源路由并返回 404。
	FaviconPath string
	// BaseContext 是每个请求 context 的父级；取消它会让仍在等待生产结果的请求放弃等待。
	BaseContext context.Context
}

const (
	contextKeyRequestID = "_watermark_request_id"
	headerRequestID     = "X-Request-ID"
)

// NewApp builds a Fiber application with request IDs, a health route and a
// catch-all asset route. Callers register diagnostics routes afterwards; the
// catch-all passes /-/ paths down the chain.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 || opts.ListenPort > 65535 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}
	health := opts.HealthMessage
	if strings.TrimSpace(health) == "" {
		health = "OK"
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		StrictRouting: true,
	})

	base := opts.BaseContext
	if base == nil {
		base = context.Background()
	}

	app.Use(recover.New())
	app.Use(requestIDMiddleware())
	app.Use(requestContextMiddleware(base))

	app.Get("/", func(c fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
		return c.SendString(health)
	})

	if opts.FaviconPath != "" {
		favicon := opts.FaviconPath
		app.Get("/favicon.ico", func(c fiber.Ctx) error {
			return c.SendFile(favicon)
		})
	}

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		switch c.Method() {
		case fiber.MethodGet, fiber.MethodHead:
			return opts.Proxy.Handle(c)
		default:
			c.Set(fiber.HeaderAllow, "GET, HEAD")
			return c.Status(fiber.StatusMethodNotAllowed).JSON(fiber.Map{
				"code":    "METHOD_NOT_ALLOWED",
				"message": "only GET and HEAD are supported",
			})
		}
	})

	return app, nil
}

// requestIDMiddleware 为每个请求生成请求 ID，并写入响应头。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set(headerRequestID, reqID)
		return c.Next()
	}
}

// requestContextMiddleware 为每个请求派生可取消的 context，处理结束后立即释放。
func requestContextMiddleware(base context.Context) fiber.Handler {
	return func(c fiber.Ctx) error {
		ctx, cancel := context.WithCancel(base)
		defer cancel()
		c.SetContext(ctx)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
