// Package pathguard turns a raw request target into a ValidatedPath and its
// AssetKey, or rejects it before any filesystem or network I/O happens. It is
// the only place that decides whether a path is safe to fetch and cache.
package pathguard

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/wanderstories/watermark-hub/internal/errs"
)

// maxDecodeRounds 限制多重百分号编码的展开次数。
const maxDecodeRounds = 4

// Route 将一个 URL 前缀绑定到缓存命名空间。
type Route struct {
	Namespace string
	Prefix    string
}

// AssetKey 是缓存与去重共用的键：命名空间 + 前缀下的相对路径。
type AssetKey struct {
	Namespace string
	Name      string
}

// String 输出 namespace/name 形式，作为日志字段与 in-flight 键。
func (k AssetKey) String() string {
	return k.Namespace + "/" + k.Name
}

// ValidatedPath 是通过全部规则后的请求路径。
type ValidatedPath struct {
	Raw       string
	Path      string
	Prefix    string
	Extension string
	Key       AssetKey
}

// Validator 按固定顺序执行前缀、穿越、字符集与格式检查。
type Validator struct {
	routes  []Route
	formats map[string]struct{}
}

// New 构建 Validator；前缀必须以 / 开头和结尾，命名空间不可重复。
func New(routes []Route, formats []string) (*Validator, error) {
	if len(routes) == 0 {
		return nil, errors.New("at least one route is required")
	}
	if len(formats) == 0 {
		return nil, errors.New("at least one accepted format is required")
	}

	seen := make(map[string]struct{}, len(routes))
	sorted := make([]Route, 0, len(routes))
	for _, r := range routes {
		if r.Namespace == "" || strings.ContainsAny(r.Namespace, "/.") {
			return nil, fmt.Errorf("invalid namespace %q", r.Namespace)
		}
		if _, dup := seen[r.Namespace]; dup {
			return nil, fmt.Errorf("duplicate namespace %q", r.Namespace)
		}
		seen[r.Namespace] = struct{}{}
		if !strings.HasPrefix(r.Prefix, "/") || !strings.HasSuffix(r.Prefix, "/") || strings.Contains(r.Prefix, "..") {
			return nil, fmt.Errorf("invalid prefix %q", r.Prefix)
		}
		sorted = append(sorted, r)
	}
	// 最长前缀优先，避免 /content/ 吞掉 /content/media/。
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})

	set := make(map[string]struct{}, len(formats))
	for _, f := range formats {
		f = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(f), "."))
		if f == "" {
			continue
		}
		set[f] = struct{}{}
	}
	if len(set) == 0 {
		return nil, errors.New("at least one accepted format is required")
	}

	return &Validator{routes: sorted, formats: set}, nil
}

// Validate 校验原始请求路径，首个失败的规则决定错误类型。
func (v *Validator) Validate(raw string) (ValidatedPath, error) {
	decoded, err := decodeFully(raw)
	if err != nil {
		return ValidatedPath{}, errs.InvalidPath(raw, err.Error())
	}

	route, ok := v.match(decoded)
	if !ok {
		return ValidatedPath{}, errs.RouteNotFound(raw)
	}

	if strings.Contains(decoded, "..") {
		return ValidatedPath{}, errs.InvalidPath(raw, "parent directory segment")
	}
	normalized := path.Clean(decoded)
	if normalized != decoded {
		return ValidatedPath{}, errs.InvalidPath(raw, "path is not canonical")
	}
	if strings.Contains(normalized, "..") {
		return ValidatedPath{}, errs.InvalidPath(raw, "parent directory segment")
	}
	if again, ok := v.match(normalized); !ok || again != route {
		return ValidatedPath{}, errs.InvalidPath(raw, "prefix changed after normalization")
	}

	if i := strings.IndexFunc(decoded, func(r rune) bool { return !allowedRune(r) }); i >= 0 {
		return ValidatedPath{}, errs.InvalidPath(raw, fmt.Sprintf("disallowed character %q", decoded[i]))
	}

	name := strings.TrimPrefix(normalized, route.Prefix)
	if name == "" || strings.HasPrefix(name, "/") {
		return ValidatedPath{}, errs.InvalidPath(raw, "empty asset name")
	}

	ext := extension(name)
	if _, ok := v.formats[ext]; !ok {
		return ValidatedPath{}, errs.UnsupportedFormat(raw, ext)
	}

	return ValidatedPath{
		Raw:       raw,
		Path:      normalized,
		Prefix:    route.Prefix,
		Extension: ext,
		Key:       AssetKey{Namespace: route.Namespace, Name: name},
	}, nil
}

// HasRoutePrefix 供 origin 解析后复核路径是否仍在允许的前缀下。
func (v *Validator) HasRoutePrefix(p string) bool {
	_, ok := v.match(p)
	return ok
}

// Routes 返回按前缀长度排序后的路由副本。
func (v *Validator) Routes() []Route {
	return append([]Route(nil), v.routes...)
}

// Formats 返回排序后的扩展名列表。
func (v *Validator) Formats() []string {
	out := make([]string, 0, len(v.formats))
	for f := range v.formats {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (v *Validator) match(p string) (Route, bool) {
	for _, r := range v.routes {
		if strings.HasPrefix(p, r.Prefix) {
			return r, true
		}
	}
	return Route{}, false
}

func decodeFully(raw string) (string, error) {
	current := raw
	for i := 0; i < maxDecodeRounds; i++ {
		next, err := url.PathUnescape(current)
		if err != nil {
			return "", errors.New("malformed percent-encoding")
		}
		if next == current {
			return current, nil
		}
		current = next
	}
	return "", errors.New("excessive percent-encoding")
}

func allowedRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '_', r == '/', r == '.':
		return true
	}
	return false
}

func extension(name string) string {
	base := path.Base(name)
	idx := strings.LastIndex(base, ".")
	if idx < 0 || idx == len(base)-1 {
		return ""
	}
	return strings.ToLower(base[idx+1:])
}
