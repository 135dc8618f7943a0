package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/wanderstories/watermark-hub/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   16,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ResponseHeaderTimeout: 30 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

const maxOriginRedirects = 5

// ErrCrossHostRedirect 表示源站尝试把请求重定向到其他主机。
var ErrCrossHostRedirect = errors.New("origin redirected to a different host")

// NewOriginClient 返回访问源站的共享 http.Client。
// 整体耗时由流水线的 FetchTimeout 通过 context 控制，这里不设置 Client.Timeout；
// 重定向只允许停留在配置的源站主机与协议上。
func NewOriginClient(cfg *config.Config) *http.Client {
	transport := defaultTransport.Clone()
	if cfg != nil {
		if fetch := cfg.Global.FetchTimeout.DurationValue(); fetch > 0 && fetch < transport.ResponseHeaderTimeout {
			transport.ResponseHeaderTimeout = fetch
		}
	}

	host, scheme := "", ""
	if cfg != nil {
		host, scheme = cfg.Origin.Host, cfg.Origin.Scheme
	}

	return &http.Client{
		Transport:     transport,
		CheckRedirect: sameOriginRedirect(host, scheme),
	}
}

func sameOriginRedirect(host, scheme string) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxOriginRedirects {
			return fmt.Errorf("stopped after %d redirects", maxOriginRedirects)
		}
		if host == "" {
			return nil
		}
		if !strings.EqualFold(req.URL.Host, host) || (scheme != "" && req.URL.Scheme != scheme) {
			return fmt.Errorf("%w: %s", ErrCrossHostRedirect, req.URL.Redacted())
		}
		return nil
	}
}
