package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedCacheBackends = map[string]struct{}{
	CacheBackendFS:     {},
	CacheBackendSQLite: {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedCacheBackends[g.CacheBackend]; !ok {
		return newFieldError("Global.CacheBackend", "仅支持 fs|sqlite")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	w := c.Worker
	if err := validateCacheName(w.CacheName); err != nil {
		return fmt.Errorf("Worker.CacheName: %w", err)
	}
	if err := validateUpstream(w.Origin); err != nil {
		return fmt.Errorf("Worker.Origin: %w", err)
	}
	if w.Proxy != "" {
		if err := validateUpstream(w.Proxy); err != nil {
			return fmt.Errorf("Worker.Proxy: %w", err)
		}
	}

	origin, _ := url.Parse(w.Origin)
	seen := make(map[string]struct{}, len(w.Precache))
	for i, raw := range w.Precache {
		resolved, err := ResolveResource(origin, raw)
		if err != nil {
			return newFieldError(precacheField(i), err.Error())
		}
		key := resolved.String()
		if _, exists := seen[key]; exists {
			return newFieldError(precacheField(i), "重复的资源: "+key)
		}
		seen[key] = struct{}{}
	}

	return nil
}

// OriginURL 返回解析后的源站地址（假定 Validate 已经通过）。
func (c *Config) OriginURL() *url.URL {
	parsed, err := url.Parse(c.Worker.Origin)
	if err != nil {
		return nil
	}
	return parsed
}

// ProxyURL 返回可选的出站代理地址，未配置时为 nil。
func (c *Config) ProxyURL() *url.URL {
	if c.Worker.Proxy == "" {
		return nil
	}
	parsed, err := url.Parse(c.Worker.Proxy)
	if err != nil {
		return nil
	}
	return parsed
}

// ResolveResource 将预缓存清单中的条目解析为绝对地址；相对路径基于源站解析。
func ResolveResource(origin *url.URL, raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("资源标识不能为空")
	}
	ref, err := url.Parse(trimmed)
	if err != nil {
		return nil, err
	}
	if origin == nil {
		if !ref.IsAbs() {
			return nil, fmt.Errorf("缺少源站，无法解析相对地址: %s", trimmed)
		}
		return ref, nil
	}
	resolved := origin.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return nil, fmt.Errorf("仅支持 http/https: %s", trimmed)
	}
	resolved.Fragment = ""
	return resolved, nil
}

func validateCacheName(name string) error {
	if name == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return errors.New("不允许包含路径分隔符")
	}
	if strings.HasPrefix(name, ".") {
		return errors.New("不能以 . 开头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
