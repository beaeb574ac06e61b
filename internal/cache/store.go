package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Storage 管理所有命名缓存，相当于 worker 宿主提供的 caches 入口。
type Storage interface {
	// Open 打开指定名称的缓存，不存在时创建。
	Open(ctx context.Context, name string) (Cache, error)

	// Has 报告指定名称的缓存是否已经存在，不会创建它。
	Has(ctx context.Context, name string) (bool, error)

	// Backend 返回后端标识（fs/sqlite），用于日志与诊断输出。
	Backend() string

	Close() error
}

// Cache 是单个命名缓存：request → response 的键值存储。
type Cache interface {
	Name() string

	// Match 返回 key 对应的记录，若不存在则返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Record, error)

	// Put 写入或覆盖单条记录。
	Put(ctx context.Context, record Record) error

	// PutAll 以批次方式写入全部记录：要么全部可见，要么一条都不写入。
	// 同一 key 在批次中重复出现时以最后一条为准。
	PutAll(ctx context.Context, records []Record) error

	// Keys 按写入顺序返回当前缓存中的全部 key。
	Keys(ctx context.Context) ([]Key, error)

	// Remove 删除单条记录，不存在时不报错。
	Remove(ctx context.Context, key Key) error
}

// Key 唯一定位一个缓存条目，URL 必须为绝对地址且不含 fragment。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// KeyFromRequest 根据请求描述构建缓存 key。
func KeyFromRequest(req *http.Request) Key {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	target := *req.URL
	target.Fragment = ""
	return Key{Method: method, URL: target.String()}
}

// Record 表示一条缓存的响应。
type Record struct {
	Key      Key
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Response 将记录还原为 *http.Response，Body 每次调用都会重新构建。
func (r Record) Response(req *http.Request) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.Status, http.StatusText(r.Status)),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrCacheNameRequired 表示打开缓存时未提供名称。
	ErrCacheNameRequired = errors.New("cache name required")
	// ErrUnsupportedMethod 表示尝试缓存非 GET 请求。
	ErrUnsupportedMethod = errors.New("only GET requests can be cached")
)

func validateRecord(record Record) error {
	if record.Key.Method != http.MethodGet {
		return fmt.Errorf("%w: %s", ErrUnsupportedMethod, record.Key)
	}
	if record.Key.URL == "" {
		return errors.New("record url required")
	}
	if record.Status < 100 || record.Status > 599 {
		return fmt.Errorf("invalid status %d for %s", record.Status, record.Key.URL)
	}
	return nil
}

// prepareBatch 为缺少时间戳的记录补齐 StoredAt，并合并重复的 key：
// 以最后一条为准，位置取最后一次出现的位置。
func prepareBatch(records []Record, now time.Time) []Record {
	last := make(map[Key]int, len(records))
	for i, record := range records {
		last[record.Key] = i
	}
	out := make([]Record, 0, len(last))
	for i, record := range records {
		if last[record.Key] != i {
			continue
		}
		if record.StoredAt.IsZero() {
			record.StoredAt = now
		}
		out = append(out, record)
	}
	return out
}
