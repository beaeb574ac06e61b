package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/site-worker/internal/cache"
	"github.com/any-hub/site-worker/internal/worker"
)

// StateSource 返回 worker 当前生命周期阶段，*worker.Host 满足该接口。
type StateSource interface {
	State() worker.State
}

// ManifestSource 暴露缓存名称与解析后的预缓存清单，*worker.Handler 满足该接口。
type ManifestSource interface {
	CacheName() string
	Manifest() []string
}

// WorkerStatus 汇总 /-/worker 诊断接口需要读取的依赖。
type WorkerStatus struct {
	Host    StateSource
	Worker  ManifestSource
	Storage cache.Storage
	Origin  string
}

// RegisterWorkerRoutes 暴露 /-/worker 诊断接口，供 SRE 查询安装状态与缓存内容。
// 接口只读，不会创建缓存。
func RegisterWorkerRoutes(app *fiber.App, status WorkerStatus) {
	if app == nil || status.Host == nil || status.Worker == nil || status.Storage == nil {
		return
	}

	app.Get("/-/worker", func(c fiber.Ctx) error {
		entries, err := listEntries(c, status.Storage, status.Worker.CacheName())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "cache_unavailable",
			})
		}
		return c.JSON(workerPayload{
			State:        string(status.Host.State()),
			CacheName:    status.Worker.CacheName(),
			CacheBackend: status.Storage.Backend(),
			Origin:       status.Origin,
			Manifest:     nonNil(status.Worker.Manifest()),
			Entries:      entries,
		})
	})
}

type workerPayload struct {
	State        string         `json:"state"`
	CacheName    string         `json:"cache_name"`
	CacheBackend string         `json:"cache_backend"`
	Origin       string         `json:"origin"`
	Manifest     []string       `json:"manifest"`
	Entries      []entryPayload `json:"entries"`
}

type entryPayload struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

func listEntries(c fiber.Ctx, storage cache.Storage, name string) ([]entryPayload, error) {
	ctx := c.Context()
	exists, err := storage.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return []entryPayload{}, nil
	}
	handle, err := storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	keys, err := handle.Keys(ctx)
	if err != nil {
		return nil, err
	}
	return encodeEntries(keys), nil
}

func encodeEntries(keys []cache.Key) []entryPayload {
	entries := make([]entryPayload, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, entryPayload{Method: key.Method, URL: key.URL})
	}
	return entries
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
