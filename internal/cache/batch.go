package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sourcegraph/conc/pool"
)

// Fetcher 执行一次网络往返，*http.Client 即满足该接口。
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// ErrBatchFailed 表示 AddAll 中至少一个资源获取失败，整个批次未写入。
var ErrBatchFailed = errors.New("cache batch failed")

// AddAll 并发获取全部请求，所有响应都成功（2xx）后一次性写入 c。
// 任一请求失败时取消其余请求并返回包装了 ErrBatchFailed 的错误，缓存保持原样。
// requests 为空时直接成功，不写入任何条目。
func AddAll(ctx context.Context, c Cache, fetcher Fetcher, requests []*http.Request) error {
	if len(requests) == 0 {
		return nil
	}
	if fetcher == nil {
		return fmt.Errorf("%w: fetcher required", ErrBatchFailed)
	}

	seen := make(map[Key]struct{}, len(requests))
	for _, req := range requests {
		key := KeyFromRequest(req)
		if key.Method != http.MethodGet {
			return fmt.Errorf("%w: %w", ErrBatchFailed, fmt.Errorf("%w: %s", ErrUnsupportedMethod, key))
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: duplicate request %s", ErrBatchFailed, key)
		}
		seen[key] = struct{}{}
	}

	p := pool.NewWithResults[Record]().WithContext(ctx).WithCancelOnError()
	for _, req := range requests {
		req := req
		p.Go(func(ctx context.Context) (Record, error) {
			return fetchRecord(ctx, fetcher, req)
		})
	}
	records, err := p.Wait()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBatchFailed, err)
	}

	if err := c.PutAll(ctx, orderLike(records, requests)); err != nil {
		return fmt.Errorf("%w: %w", ErrBatchFailed, err)
	}
	return nil
}

func fetchRecord(ctx context.Context, fetcher Fetcher, req *http.Request) (Record, error) {
	key := KeyFromRequest(req)
	resp, err := fetcher.Do(req.Clone(ctx))
	if err != nil {
		return Record{}, fmt.Errorf("fetch %s: %w", key.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Record{}, fmt.Errorf("fetch %s: unexpected status %d", key.URL, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Record{}, fmt.Errorf("read %s: %w", key.URL, err)
	}
	return Record{
		Key:    key,
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}

// orderLike 按原始请求顺序排列结果，保证 Keys 返回清单顺序。
func orderLike(records []Record, requests []*http.Request) []Record {
	byKey := make(map[Key]Record, len(records))
	for _, record := range records {
		byKey[record.Key] = record
	}
	ordered := make([]Record, 0, len(records))
	for _, req := range requests {
		if record, ok := byKey[KeyFromRequest(req)]; ok {
			ordered = append(ordered, record)
		}
	}
	return ordered
}
