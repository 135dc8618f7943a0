package config

import (
	"github.com/wanderstories/watermark-hub/internal/pathguard"
	"github.com/wanderstories/watermark-hub/internal/watermark"
)

// PathRoutes 将 [[Route]] 配置转换为校验器使用的路由表。
func (c *Config) PathRoutes() []pathguard.Route {
	routes := make([]pathguard.Route, 0, len(c.Routes))
	for _, r := range c.Routes {
		routes = append(routes, pathguard.Route{Namespace: r.Name, Prefix: r.Prefix})
	}
	return routes
}

// WatermarkPosition 返回解析后的水印锚点（假定 Validate 已经通过）。
func (w WatermarkConfig) WatermarkPosition() watermark.Position {
	pos, err := watermark.ParsePosition(w.Position)
	if err != nil {
		return watermark.Center
	}
	return pos
}

// Margins 返回四边距。
func (w WatermarkConfig) Margins() watermark.Margins {
	return watermark.Margins{
		North: w.MarginNorth,
		South: w.MarginSouth,
		East:  w.MarginEast,
		West:  w.MarginWest,
	}
}
