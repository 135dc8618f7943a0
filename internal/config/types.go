package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`
	StoragePath   string `mapstructure:"StoragePath"`
	HealthMessage string `mapstructure:"HealthMessage"`
	// FaviconPath 非空时 GET /favicon.ico 返回该文件。
	FaviconPath string `mapstructure:"FaviconPath"`

	AcceptedFormats []string `mapstructure:"AcceptedFormats"`

	FetchTimeout      Duration `mapstructure:"FetchTimeout"`
	ProcessTimeout    Duration `mapstructure:"ProcessTimeout"`
	MaxDownloadBytes  int64    `mapstructure:"MaxDownloadBytes"`
	MaxConcurrentJobs int      `mapstructure:"MaxConcurrentJobs"`

	FollowerMode          string   `mapstructure:"FollowerMode"`
	FollowerWaitTimeout   Duration `mapstructure:"FollowerWaitTimeout"`
	FollowerTimeoutPolicy string   `mapstructure:"FollowerTimeoutPolicy"`
	CancelAbandoned       bool     `mapstructure:"CancelAbandoned"`

	EnableMetrics bool   `mapstructure:"EnableMetrics"`
	SentryDSN     string `mapstructure:"SentryDSN"`
	Environment   string `mapstructure:"Environment"`
}

// OriginConfig 描述唯一受信任的源站。
type OriginConfig struct {
	Host   string `mapstructure:"Host"`
	Scheme string `mapstructure:"Scheme"`
}

// WatermarkConfig 描述叠加图与 ffmpeg 参数。
type WatermarkConfig struct {
	Overlay     string `mapstructure:"Overlay"`
	Position    string `mapstructure:"Position"`
	FFmpegPath  string `mapstructure:"FFmpegPath"`
	MarginNorth int    `mapstructure:"MarginNorth"`
	MarginSouth int    `mapstructure:"MarginSouth"`
	MarginEast  int    `mapstructure:"MarginEast"`
	MarginWest  int    `mapstructure:"MarginWest"`
}

// RouteConfig 将 URL 前缀映射到缓存命名空间。
type RouteConfig struct {
	Name   string `mapstructure:"Name"`
	Prefix string `mapstructure:"Prefix"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global    GlobalConfig    `mapstructure:",squash"`
	Origin    OriginConfig    `mapstructure:"Origin"`
	Watermark WatermarkConfig `mapstructure:"Watermark"`
	Routes    []RouteConfig   `mapstructure:"Route"`
}

// RouteSummary 返回 name=prefix 形式的摘要，供日志字段使用。
func RouteSummary(routes []RouteConfig) []string {
	if len(routes) == 0 {
		return nil
	}
	result := make([]string, len(routes))
	for i, r := range routes {
		result[i] = fmt.Sprintf("%s=%s", r.Name, r.Prefix)
	}
	return result
}
