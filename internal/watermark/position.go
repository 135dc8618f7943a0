package watermark

import (
	"fmt"
	"strings"
)

// Position 表示水印锚点：首字母为纵向（N/C/S），次字母为横向（W/C/E），单独的 C 表示正中。
type Position string

const (
	NorthWest   Position = "NW"
	NorthCenter Position = "NC"
	NorthEast   Position = "NE"
	CenterWest  Position = "CW"
	Center      Position = "C"
	CenterEast  Position = "CE"
	SouthWest   Position = "SW"
	SouthCenter Position = "SC"
	SouthEast   Position = "SE"
)

var knownPositions = map[Position]struct{}{
	NorthWest: {}, NorthCenter: {}, NorthEast: {},
	CenterWest: {}, Center: {}, CenterEast: {},
	SouthWest: {}, SouthCenter: {}, SouthEast: {},
}

// Margins 以像素为单位描述水印与四边的距离。
type Margins struct {
	North int
	South int
	East  int
	West  int
}

// ParsePosition 大小写不敏感地解析锚点。
func ParsePosition(raw string) (Position, error) {
	p := Position(strings.ToUpper(strings.TrimSpace(raw)))
	if p == "" {
		return Center, nil
	}
	if _, ok := knownPositions[p]; !ok {
		return "", fmt.Errorf("unknown watermark position %q", raw)
	}
	return p, nil
}

// overlayExpr 生成 ffmpeg overlay 滤镜的 x:y 表达式。
func overlayExpr(p Position, m Margins) string {
	vertical, horizontal := byte('C'), byte('C')
	if len(p) == 2 {
		vertical, horizontal = p[0], p[1]
	}

	var x, y string
	switch horizontal {
	case 'W':
		x = fmt.Sprintf("%d", m.West)
	case 'E':
		x = fmt.Sprintf("main_w-overlay_w-%d", m.East)
	default:
		x = "(main_w-overlay_w)/2"
	}
	switch vertical {
	case 'N':
		y = fmt.Sprintf("%d", m.North)
	case 'S':
		y = fmt.Sprintf("main_h-overlay_h-%d", m.South)
	default:
		y = "(main_h-overlay_h)/2"
	}
	return "overlay=" + x + ":" + y
}
