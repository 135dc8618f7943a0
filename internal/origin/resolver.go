// Package origin maps a validated request path onto the single trusted origin.
// The hostname always comes from configuration, and the constructed URL is
// parsed again and compared field by field before it is handed to the fetcher.
package origin

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/wanderstories/watermark-hub/internal/errs"
	"github.com/wanderstories/watermark-hub/internal/pathguard"
)

// PrefixChecker 复核路径仍落在允许的前缀之下，通常由 *pathguard.Validator 实现。
type PrefixChecker interface {
	HasRoutePrefix(path string) bool
}

// Resolver 仅持有配置中的 scheme 与 host，请求侧永远无法影响 authority。
type Resolver struct {
	scheme string
	host   string
	guard  PrefixChecker
}

// NewResolver 校验 host/scheme 的形态，host 可带端口但不能带路径或凭证。
func NewResolver(scheme, host string, guard PrefixChecker) (*Resolver, error) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" {
		scheme = "https"
	}
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("unsupported origin scheme %q", scheme)
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, errors.New("origin host is required")
	}
	if strings.ContainsAny(host, "/@?# \\") {
		return nil, fmt.Errorf("origin host %q must be a bare hostname", host)
	}
	probe, err := url.Parse(scheme + "://" + host)
	if err != nil || probe.Host != host {
		return nil, fmt.Errorf("origin host %q is not a valid authority", host)
	}
	return &Resolver{scheme: scheme, host: host, guard: guard}, nil
}

// Host 返回受信任的源站 host。
func (r *Resolver) Host() string {
	return r.host
}

// Base 返回 scheme://host，供诊断接口展示。
func (r *Resolver) Base() string {
	return r.scheme + "://" + r.host
}

// Resolve 先拼接再重新解析，任何一个字段与预期不符都视为非法路径。
func (r *Resolver) Resolve(vp pathguard.ValidatedPath) (*url.URL, error) {
	if !strings.HasPrefix(vp.Path, "/") {
		return nil, errs.InvalidPath(vp.Raw, "origin path must be absolute")
	}

	built := r.scheme + "://" + r.host + vp.Path
	parsed, err := url.Parse(built)
	if err != nil {
		return nil, errs.InvalidPath(vp.Raw, "origin url does not parse")
	}

	switch {
	case parsed.Scheme != r.scheme:
		return nil, errs.InvalidPath(vp.Raw, "origin scheme changed")
	case !strings.EqualFold(parsed.Host, r.host):
		return nil, errs.InvalidPath(vp.Raw, "origin host changed")
	case parsed.User != nil:
		return nil, errs.InvalidPath(vp.Raw, "origin url carries userinfo")
	case parsed.RawQuery != "" || parsed.ForceQuery:
		return nil, errs.InvalidPath(vp.Raw, "origin url carries a query")
	case parsed.Fragment != "":
		return nil, errs.InvalidPath(vp.Raw, "origin url carries a fragment")
	case parsed.Path != vp.Path:
		return nil, errs.InvalidPath(vp.Raw, "origin path changed")
	}
	if r.guard != nil && !r.guard.HasRoutePrefix(parsed.Path) {
		return nil, errs.InvalidPath(vp.Raw, "origin path left the allowed prefixes")
	}

	return parsed, nil
}
