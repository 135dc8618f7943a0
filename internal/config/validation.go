package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/wanderstories/watermark-hub/internal/watermark"
)

var (
	routeNamePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)
	formatPattern    = regexp.MustCompile(`^[a-z0-9]+$`)
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别")
		}
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.FaviconPath != "" {
		info, err := os.Stat(g.FaviconPath)
		if err != nil {
			return newFieldError("Global.FaviconPath", fmt.Sprintf("无法读取: %v", err))
		}
		if info.IsDir() {
			return newFieldError("Global.FaviconPath", "不能是目录")
		}
	}
	if g.FetchTimeout.DurationValue() <= 0 {
		return newFieldError("Global.FetchTimeout", "必须大于 0")
	}
	if g.ProcessTimeout.DurationValue() <= 0 {
		return newFieldError("Global.ProcessTimeout", "必须大于 0")
	}
	if g.MaxDownloadBytes < 0 {
		return newFieldError("Global.MaxDownloadBytes", "不能为负数")
	}
	if g.MaxConcurrentJobs < 0 {
		return newFieldError("Global.MaxConcurrentJobs", "不能为负数")
	}
	if g.FollowerWaitTimeout.DurationValue() < 0 {
		return newFieldError("Global.FollowerWaitTimeout", "不能为负数")
	}
	if _, err := parseFollowerMode(g.FollowerMode); err != nil {
		return newFieldError("Global.FollowerMode", "仅支持 wait/redirect")
	}
	if _, err := parseTimeoutPolicy(g.FollowerTimeoutPolicy); err != nil {
		return newFieldError("Global.FollowerTimeoutPolicy", "仅支持 error/redirect")
	}

	if len(g.AcceptedFormats) == 0 {
		return newFieldError("Global.AcceptedFormats", "至少需要一种格式")
	}
	for _, f := range g.AcceptedFormats {
		if !formatPattern.MatchString(f) {
			return newFieldError("Global.AcceptedFormats", fmt.Sprintf("非法扩展名: %s", f))
		}
	}

	if err := validateOrigin(c.Origin); err != nil {
		return err
	}
	if err := validateWatermark(c.Watermark); err != nil {
		return err
	}

	if len(c.Routes) == 0 {
		return newFieldError("Route", "至少需要配置一个 Route")
	}
	seenNames := map[string]struct{}{}
	seenPrefixes := map[string]struct{}{}
	for _, r := range c.Routes {
		if r.Name == "" {
			return newFieldError("Route[].Name", "不能为空")
		}
		if !routeNamePattern.MatchString(r.Name) {
			return newFieldError(routeField(r.Name, "Name"), "仅允许小写字母、数字、- 与 _")
		}
		if _, exists := seenNames[r.Name]; exists {
			return newFieldError(routeField(r.Name, "Name"), "重复")
		}
		seenNames[r.Name] = struct{}{}

		if err := validatePrefix(r.Prefix); err != nil {
			return newFieldError(routeField(r.Name, "Prefix"), err.Error())
		}
		if _, exists := seenPrefixes[r.Prefix]; exists {
			return newFieldError(routeField(r.Name, "Prefix"), "重复")
		}
		seenPrefixes[r.Prefix] = struct{}{}
	}

	return nil
}

func validateOrigin(o OriginConfig) error {
	if o.Host == "" {
		return newFieldError("Origin.Host", "不能为空")
	}
	if strings.Contains(o.Host, "/") {
		return newFieldError("Origin.Host", "不允许包含路径或协议头")
	}
	if strings.ContainsAny(o.Host, "@?# ") {
		return newFieldError("Origin.Host", "不允许包含凭证、查询或空格")
	}
	if o.Scheme != "http" && o.Scheme != "https" {
		return newFieldError("Origin.Scheme", "仅支持 http/https")
	}
	return nil
}

func validateWatermark(w WatermarkConfig) error {
	if _, err := watermark.ParsePosition(w.Position); err != nil {
		return newFieldError("Watermark.Position", "仅支持 NW/NC/NE/CW/C/CE/SW/SC/SE")
	}
	for field, v := range map[string]int{
		"MarginNorth": w.MarginNorth,
		"MarginSouth": w.MarginSouth,
		"MarginEast":  w.MarginEast,
		"MarginWest":  w.MarginWest,
	} {
		if v < 0 {
			return newFieldError("Watermark."+field, "不能为负数")
		}
	}
	if w.Overlay == "" {
		return newFieldError("Watermark.Overlay", "不能为空")
	}
	info, err := os.Stat(w.Overlay)
	if err != nil {
		return newFieldError("Watermark.Overlay", fmt.Sprintf("无法读取: %v", err))
	}
	if info.IsDir() {
		return newFieldError("Watermark.Overlay", "不能是目录")
	}
	return nil
}

func validatePrefix(prefix string) error {
	if prefix == "" {
		return errors.New("Prefix 不能为空")
	}
	if !strings.HasPrefix(prefix, "/") || !strings.HasSuffix(prefix, "/") {
		return errors.New("Prefix 必须以 / 开头并以 / 结尾")
	}
	if strings.Contains(prefix, "..") || strings.Contains(prefix, "//") {
		return errors.New("Prefix 不允许包含 .. 或 //")
	}
	if strings.HasPrefix(prefix, "/-/") {
		return errors.New("Prefix 与诊断路径 /-/ 冲突")
	}
	return nil
}
