package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// WorkerFields 提供缓存名称/后端字段，供 install 等生命周期日志复用。
func WorkerFields(action, cacheName, backend string) logrus.Fields {
	return logrus.Fields{
		"action":        action,
		"cache_name":    cacheName,
		"cache_backend": backend,
	}
}

// RequestFields 提供 method/url/状态字段，供 fetch 事件日志复用。
func RequestFields(method, target string, status int, handled bool) logrus.Fields {
	return logrus.Fields{
		"action":          "fetch",
		"method":          method,
		"url":             target,
		"upstream_status": status,
		"handled":         handled,
	}
}
