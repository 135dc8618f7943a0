package routes

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/wanderstories/watermark-hub/internal/inflight"
)

// InflightSource 提供进行中任务的快照，通常由 inflight.Guard 实现。
type InflightSource interface {
	Snapshot() []inflight.TaskInfo
}

// StatusInfo 是 /-/status 返回的静态运行配置。
type StatusInfo struct {
	Version         string   `json:"version"`
	Origin          string   `json:"origin"`
	Routes          []string `json:"routes"`
	AcceptedFormats []string `json:"accepted_formats"`
	FollowerMode    string   `json:"follower_mode"`
	TimeoutPolicy   string   `json:"follower_timeout_policy"`
	Position        string   `json:"watermark_position"`
}

// DiagnosticsOptions 汇总诊断接口依赖；Metrics 为空时不注册 /-/metrics。
type DiagnosticsOptions struct {
	Inflight InflightSource
	Status   StatusInfo
	Metrics  http.Handler
}

// RegisterDiagnostics 暴露 /-/inflight、/-/status 与 /-/metrics 诊断接口。
func RegisterDiagnostics(app *fiber.App, opts DiagnosticsOptions) {
	if app == nil {
		return
	}
	startedAt := time.Now()

	if opts.Inflight != nil {
		app.Get("/-/inflight", func(c fiber.Ctx) error {
			tasks := encodeTasks(time.Now(), opts.Inflight.Snapshot())
			return c.JSON(fiber.Map{
				"count": len(tasks),
				"tasks": tasks,
			})
		})
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(statusPayload{
			StatusInfo:    opts.Status,
			UptimeSeconds: int64(time.Since(startedAt) / time.Second),
		})
	})

	if opts.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics))
	}
}

type statusPayload struct {
	StatusInfo
	UptimeSeconds int64 `json:"uptime_seconds"`
}

type taskPayload struct {
	Key        string    `json:"key"`
	StartedAt  time.Time `json:"started_at"`
	AgeSeconds float64   `json:"age_seconds"`
	Waiters    int       `json:"waiters"`
	Abandoned  bool      `json:"abandoned"`
}

func encodeTasks(now time.Time, tasks []inflight.TaskInfo) []taskPayload {
	result := make([]taskPayload, 0, len(tasks))
	for _, t := range tasks {
		result = append(result, taskPayload{
			Key:        t.Key,
			StartedAt:  t.StartedAt,
			AgeSeconds: now.Sub(t.StartedAt).Seconds(),
			Waiters:    t.Waiters,
			Abandoned:  t.Abandoned,
		})
	}
	return result
}
