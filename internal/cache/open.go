package cache

import "fmt"

// NewStorage 根据后端名称构建 Storage，backend 取值与配置中的 CacheBackend 一致。
func NewStorage(backend, basePath string) (Storage, error) {
	switch backend {
	case "", "fs":
		return NewFileStorage(basePath)
	case "sqlite":
		return NewSQLiteStorage(basePath)
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", backend)
	}
}
