// Package telemetry reports server-side failures to Sentry. With an empty DSN
// every function is a no-op, which is the default for local runs and tests.
package telemetry

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// InitSentry 初始化 Sentry；dsn 为空时直接返回 (false, nil)。
func InitSentry(dsn, environment, release string) (bool, error) {
	if dsn == "" {
		return false, nil
	}
	if environment == "" {
		environment = "production"
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
		Tags: map[string]string{
			"service": "watermark-hub",
		},
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			return scrub(event)
		},
	})
	if err != nil {
		return false, fmt.Errorf("sentry.Init: %w", err)
	}
	return true, nil
}

// CaptureError 上报错误并附加标签；未初始化时 sentry-go 会静默丢弃。
func CaptureError(err error, tags map[string]string) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

// Flush 等待缓冲事件发送完毕，进程退出前调用。
func Flush() {
	sentry.Flush(2 * time.Second)
}

// scrub 去掉客户端 IP 与 Cookie，请求路径本身保留以便定位资源。
func scrub(event *sentry.Event) *sentry.Event {
	if event == nil {
		return nil
	}
	event.User.IPAddress = ""
	if event.Request != nil {
		for k := range event.Request.Headers {
			switch k {
			case "Authorization", "Cookie", "X-Forwarded-For", "X-Real-Ip":
				event.Request.Headers[k] = "[redacted]"
			}
		}
		event.Request.Cookies = ""
	}
	return event
}
