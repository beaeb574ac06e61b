package server

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/any-hub/site-worker/internal/config"
)

// OriginRoute 将 Worker 配置与派生属性（解析后的 Origin/Proxy URL、监听端口）
// 聚合在一起，供路由/代理层直接复用，避免重复解析配置。
type OriginRoute struct {
	// OriginURL 是 fetch 事件回源的目标站点。
	OriginURL *url.URL
	// ProxyURL 是可选的出站代理，为 nil 时遵循环境变量。
	ProxyURL *url.URL
	// ListenPort 记录当前监听端口，方便日志/转发头输出。
	ListenPort int
	// CacheName/CacheBackend 仅用于日志与诊断。
	CacheName    string
	CacheBackend string
}

// NewOriginRoute 根据配置构建 OriginRoute。调用方应在启动阶段创建一次并复用。
func NewOriginRoute(cfg *config.Config) (*OriginRoute, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	originURL, err := url.Parse(cfg.Worker.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	if originURL.Scheme == "" || originURL.Host == "" {
		return nil, fmt.Errorf("origin must be absolute: %s", cfg.Worker.Origin)
	}

	var proxyURL *url.URL
	if cfg.Worker.Proxy != "" {
		proxyURL, err = url.Parse(cfg.Worker.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy: %w", err)
		}
	}

	return &OriginRoute{
		OriginURL:    originURL,
		ProxyURL:     proxyURL,
		ListenPort:   cfg.Global.ListenPort,
		CacheName:    cfg.Worker.CacheName,
		CacheBackend: cfg.Global.CacheBackend,
	}, nil
}

// Resolve 把入站请求的 path/query 映射到源站地址，源站自带的路径前缀会被保留。
func (r *OriginRoute) Resolve(path, rawQuery string) *url.URL {
	if path == "" {
		path = "/"
	}
	target := *r.OriginURL
	target.RawPath = ""
	target.Fragment = ""
	if prefix := r.OriginURL.Path; prefix != "" && prefix != "/" {
		target.Path = singleJoiningSlash(prefix, path)
	} else {
		target.Path = path
	}
	target.RawQuery = rawQuery
	return &target
}

func singleJoiningSlash(a, b string) string {
	aslash := len(a) > 0 && a[len(a)-1] == '/'
	bslash := len(b) > 0 && b[0] == '/'
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
