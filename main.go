package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/wanderstories/watermark-hub/internal/cache"
	"github.com/wanderstories/watermark-hub/internal/config"
	"github.com/wanderstories/watermark-hub/internal/inflight"
	"github.com/wanderstories/watermark-hub/internal/logging"
	"github.com/wanderstories/watermark-hub/internal/metrics"
	"github.com/wanderstories/watermark-hub/internal/origin"
	"github.com/wanderstories/watermark-hub/internal/pathguard"
	"github.com/wanderstories/watermark-hub/internal/pipeline"
	"github.com/wanderstories/watermark-hub/internal/proxy"
	"github.com/wanderstories/watermark-hub/internal/server"
	"github.com/wanderstories/watermark-hub/internal/server/routes"
	"github.com/wanderstories/watermark-hub/internal/telemetry"
	"github.com/wanderstories/watermark-hub/internal/version"
	"github.com/wanderstories/watermark-hub/internal/watermark"
)

const (
	configEnvVar      = "WATERMARK_HUB_CONFIG"
	defaultConfigPath = "config.toml"
	shutdownTimeout   = 30 * time.Second
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath string
	// explicitConfig 为 false 时 configPath 是默认值，文件不存在则只使用默认配置与环境变量。
	explicitConfig bool
	checkOnly      bool
	showVersion    bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		fmt.Fprintln(stdOut, version.Full())
		return 0
	}

	cfg, err := config.Load(resolveConfigPath(opts))
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["routes"] = config.RouteSummary(cfg.Routes)
		fields["origin"] = cfg.Origin.Scheme + "://" + cfg.Origin.Host
		fields["formats"] = cfg.Global.AcceptedFormats
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	enabled, err := telemetry.InitSentry(cfg.Global.SentryDSN, cfg.Global.Environment, version.Full())
	if err != nil {
		logger.WithError(err).WithField("action", "sentry_init").Warn("Sentry 初始化失败，继续运行")
	}
	if enabled {
		defer telemetry.Flush()
	}

	// CLI 启动遵循“配置 → 日志 → 磁盘缓存 → 流水线 → Fiber server”顺序，
	// 保证所有请求共享同一个缓存实例与单飞注册表。
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}
	defer store.Close()

	// baseCtx 是所有请求 context 的父级，关闭宽限期结束后取消，让仍在等待的请求退出。
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	app, err := buildApp(baseCtx, cfg, logger, store, prometheus.NewRegistry())
	if err != nil {
		fmt.Fprintf(stdErr, "构建 HTTP 服务失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["routes"] = config.RouteSummary(cfg.Routes)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_path"] = cfg.Global.StoragePath
	fields["follower_mode"] = cfg.Global.FollowerMode
	fields["version"] = version.Full()
	fields["sentry"] = enabled
	logger.WithFields(fields).Info("配置加载完成")

	if err := serve(app, cfg.Global.ListenPort, logger, cancelBase); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet(version.Name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnvVar+" 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnvVar)
	if configFlag != "" {
		path = configFlag
	}
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}

	return cliOptions{
		configPath:     path,
		explicitConfig: explicit,
		checkOnly:      checkOnly,
		showVersion:    showVer,
	}, nil
}

// resolveConfigPath 返回交给 config.Load 的路径；默认配置文件缺失时返回空串。
func resolveConfigPath(opts cliOptions) string {
	if opts.explicitConfig {
		return opts.configPath
	}
	if _, err := os.Stat(opts.configPath); errors.Is(err, os.ErrNotExist) {
		return ""
	}
	return opts.configPath
}

// buildApp 组装校验器、源站解析、流水线、单飞注册表与 Fiber 路由。
func buildApp(baseCtx context.Context, cfg *config.Config, logger *logrus.Logger, store cache.Store, reg *prometheus.Registry) (*fiber.App, error) {
	validator, err := pathguard.New(cfg.PathRoutes(), cfg.Global.AcceptedFormats)
	if err != nil {
		return nil, fmt.Errorf("路由配置无效: %w", err)
	}
	resolver, err := origin.NewResolver(cfg.Origin.Scheme, cfg.Origin.Host, validator)
	if err != nil {
		return nil, fmt.Errorf("源站配置无效: %w", err)
	}

	ffmpeg := watermark.NewFFmpeg(cfg.Watermark.FFmpegPath)
	checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ffmpeg.Check(checkCtx); err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"action": "ffmpeg_check",
			"binary": cfg.Watermark.FFmpegPath,
		}).Warn("ffmpeg 不可用，水印生产将失败")
	}
	cancel()

	var (
		collector      *metrics.Collector
		metricsHandler = metrics.Handler(reg)
	)
	if cfg.Global.EnableMetrics {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector = metrics.New(reg)
	} else {
		metricsHandler = nil
	}

	guard := inflight.New(inflight.Options{
		CancelAbandoned: cfg.Global.CancelAbandoned,
		Logger:          logger,
	})
	if collector != nil {
		metrics.RegisterInflight(reg, guard.Len)
	}

	pipe, err := pipeline.New(pipeline.Options{
		Client:            server.NewOriginClient(cfg),
		Store:             store,
		Tool:              ffmpeg,
		Logger:            logger,
		Metrics:           collector,
		Overlay:           cfg.Watermark.Overlay,
		Position:          cfg.Watermark.WatermarkPosition(),
		Margins:           cfg.Watermark.Margins(),
		FetchTimeout:      cfg.Global.FetchTimeout.DurationValue(),
		ProcessTimeout:    cfg.Global.ProcessTimeout.DurationValue(),
		MaxDownloadBytes:  cfg.Global.MaxDownloadBytes,
		MaxConcurrentJobs: cfg.Global.MaxConcurrentJobs,
		UserAgent:         version.UserAgent(),
	})
	if err != nil {
		return nil, err
	}

	handler, err := proxy.NewHandler(proxy.Options{
		Logger:                logger,
		Validator:             validator,
		Resolver:              resolver,
		Store:                 store,
		Guard:                 guard,
		Pipeline:              pipe,
		Metrics:               collector,
		FollowerMode:          inflight.Mode(cfg.Global.FollowerModeValue()),
		FollowerWaitTimeout:   cfg.Global.FollowerWaitTimeout.DurationValue(),
		RedirectOnWaitTimeout: cfg.Global.TimeoutPolicyValue() == config.TimeoutPolicyRedirect,
	})
	if err != nil {
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:        logger,
		Proxy:         handler,
		ListenPort:    cfg.Global.ListenPort,
		HealthMessage: cfg.Global.HealthMessage,
		FaviconPath:   cfg.Global.FaviconPath,
		BaseContext:   baseCtx,
	})
	if err != nil {
		return nil, err
	}

	routes.RegisterDiagnostics(app, routes.DiagnosticsOptions{
		Inflight: guard,
		Status: routes.StatusInfo{
			Version:         version.Full(),
			Origin:          resolver.Base(),
			Routes:          config.RouteSummary(cfg.Routes),
			AcceptedFormats: validator.Formats(),
			FollowerMode:    string(cfg.Global.FollowerModeValue()),
			TimeoutPolicy:   string(cfg.Global.TimeoutPolicyValue()),
			Position:        string(cfg.Watermark.WatermarkPosition()),
		},
		Metrics: metricsHandler,
	})
	return app, nil
}

// serve 启动监听并在收到 SIGINT/SIGTERM 时优雅关闭；宽限期结束后调用 abandon 取消剩余请求。
func serve(app *fiber.App, port int, logger *logrus.Logger, abandon context.CancelFunc) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "shutdown").Info("收到退出信号，等待请求结束")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := app.ShutdownWithContext(shutdownCtx)
	abandon()
	return err
}
