package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix 是环境变量覆盖的统一前缀，例如 WATERMARK_ORIGIN_HOST。
const EnvPrefix = "WATERMARK"

// Load 读取并解析 TOML 配置文件，同时注入默认值、环境变量覆盖与校验逻辑。
// path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyOriginDefaults(&cfg.Origin)
	applyWatermarkDefaults(&cfg.Watermark)
	for i := range cfg.Routes {
		applyRouteDefaults(&cfg.Routes[i])
	}

	if cfg.Watermark.Overlay != "" && !filepath.IsAbs(cfg.Watermark.Overlay) && path != "" {
		cfg.Watermark.Overlay = filepath.Join(filepath.Dir(path), cfg.Watermark.Overlay)
	}
	if cfg.Global.FaviconPath != "" && !filepath.IsAbs(cfg.Global.FaviconPath) && path != "" {
		cfg.Global.FaviconPath = filepath.Join(filepath.Dir(path), cfg.Global.FaviconPath)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	absOverlay, err := filepath.Abs(cfg.Watermark.Overlay)
	if err != nil {
		return nil, fmt.Errorf("无法解析水印路径: %w", err)
	}
	cfg.Watermark.Overlay = absOverlay

	if cfg.Global.FaviconPath != "" {
		absFavicon, err := filepath.Abs(cfg.Global.FaviconPath)
		if err != nil {
			return nil, fmt.Errorf("无法解析 favicon 路径: %w", err)
		}
		cfg.Global.FaviconPath = absFavicon
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 8090)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("HealthMessage", DefaultHealthMessage)
	v.SetDefault("FaviconPath", "")
	v.SetDefault("AcceptedFormats", []string{"mp4"})
	v.SetDefault("FetchTimeout", "2m")
	v.SetDefault("ProcessTimeout", "10m")
	v.SetDefault("MaxDownloadBytes", 0)
	v.SetDefault("MaxConcurrentJobs", 2)
	v.SetDefault("FollowerMode", string(FollowerModeWait))
	v.SetDefault("FollowerWaitTimeout", 0)
	v.SetDefault("FollowerTimeoutPolicy", string(TimeoutPolicyError))
	v.SetDefault("CancelAbandoned", false)
	v.SetDefault("EnableMetrics", true)
	v.SetDefault("SentryDSN", "")
	v.SetDefault("Environment", "production")

	v.SetDefault("Origin.Host", "wanderstories.space")
	v.SetDefault("Origin.Scheme", "https")

	v.SetDefault("Watermark.Overlay", "watermark.png")
	v.SetDefault("Watermark.Position", "C")
	v.SetDefault("Watermark.FFmpegPath", "ffmpeg")
	v.SetDefault("Watermark.MarginNorth", 0)
	v.SetDefault("Watermark.MarginSouth", 0)
	v.SetDefault("Watermark.MarginEast", 0)
	v.SetDefault("Watermark.MarginWest", 0)

	v.SetDefault("Route", []map[string]interface{}{
		{"Name": "videos", "Prefix": "/content/images/videos/"},
		{"Name": "media", "Prefix": "/content/media/"},
	})
}

// bindEnv 允许 WATERMARK_<KEY> 覆盖任意已知键；PORT 兼容常见 PaaS 约定。
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("ListenPort", EnvPrefix+"_LISTENPORT", "PORT")
}

// DefaultHealthMessage 是 GET / 的默认响应。
const DefaultHealthMessage = "Wanderstories Video Watermarker"

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 8090
	}
	if strings.TrimSpace(g.HealthMessage) == "" {
		g.HealthMessage = DefaultHealthMessage
	}
	if g.FetchTimeout.DurationValue() == 0 {
		g.FetchTimeout = Duration(2 * time.Minute)
	}
	if g.ProcessTimeout.DurationValue() == 0 {
		g.ProcessTimeout = Duration(10 * time.Minute)
	}
	formats := make([]string, 0, len(g.AcceptedFormats))
	for _, f := range g.AcceptedFormats {
		f = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(f), "."))
		if f != "" {
			formats = append(formats, f)
		}
	}
	g.AcceptedFormats = formats
	g.FollowerMode = strings.ToLower(strings.TrimSpace(g.FollowerMode))
	if g.FollowerMode == "" {
		g.FollowerMode = string(FollowerModeWait)
	}
	g.FollowerTimeoutPolicy = strings.ToLower(strings.TrimSpace(g.FollowerTimeoutPolicy))
	if g.FollowerTimeoutPolicy == "" {
		g.FollowerTimeoutPolicy = string(TimeoutPolicyError)
	}
}

func applyOriginDefaults(o *OriginConfig) {
	o.Host = strings.TrimSpace(o.Host)
	o.Scheme = strings.ToLower(strings.TrimSpace(o.Scheme))
	if o.Scheme == "" {
		o.Scheme = "https"
	}
}

func applyWatermarkDefaults(w *WatermarkConfig) {
	w.Position = strings.ToUpper(strings.TrimSpace(w.Position))
	if w.Position == "" {
		w.Position = "C"
	}
	if strings.TrimSpace(w.FFmpegPath) == "" {
		w.FFmpegPath = "ffmpeg"
	}
}

func applyRouteDefaults(r *RouteConfig) {
	r.Name = strings.ToLower(strings.TrimSpace(r.Name))
	r.Prefix = strings.TrimSpace(r.Prefix)
	if r.Prefix != "" && !strings.HasSuffix(r.Prefix, "/") {
		r.Prefix += "/"
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
