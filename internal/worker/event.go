package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sourcegraph/conc/pool"
)

var (
	// ErrEventSettled 表示事件已经结束，不能再延长其生命周期。
	ErrEventSettled = errors.New("event already settled")
	// ErrAlreadyResponded 表示同一个 fetch 事件被多次 RespondWith。
	ErrAlreadyResponded = errors.New("fetch event already responded")
)

// ExtendableEvent 允许处理函数通过 WaitUntil 登记异步任务，宿主在 Settle 返回前不会认为事件完成。
type ExtendableEvent struct {
	ctx  context.Context
	work *pool.ContextPool

	mu      sync.Mutex
	settled bool

	once sync.Once
	err  error
}

func newExtendableEvent(ctx context.Context) *ExtendableEvent {
	if ctx == nil {
		ctx = context.Background()
	}
	return &ExtendableEvent{
		ctx:  ctx,
		work: pool.New().WithContext(ctx),
	}
}

// Context 返回事件绑定的 context，宿主取消时随之取消。
func (e *ExtendableEvent) Context() context.Context {
	return e.ctx
}

// WaitUntil 立即在后台执行 task，并把它计入事件的待完成工作。
func (e *ExtendableEvent) WaitUntil(task func(ctx context.Context) error) error {
	if task == nil {
		return errors.New("wait until task required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.settled {
		return ErrEventSettled
	}
	e.work.Go(task)
	return nil
}

// Settle 等待所有登记的任务结束并返回合并后的错误，可重复调用。
func (e *ExtendableEvent) Settle() error {
	e.mu.Lock()
	e.settled = true
	e.mu.Unlock()

	e.once.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				e.err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			}
		}()
		e.err = e.work.Wait()
	})
	return e.err
}

// InstallEvent 在 worker 安装时派发一次。
type InstallEvent struct {
	*ExtendableEvent
}

func newInstallEvent(ctx context.Context) *InstallEvent {
	return &InstallEvent{ExtendableEvent: newExtendableEvent(ctx)}
}

// FetchEvent 对应一次被拦截的请求，处理函数通过 RespondWith 提供响应。
type FetchEvent struct {
	*ExtendableEvent

	// Request 是被拦截请求的描述（method、URL、headers）。
	Request *http.Request

	respondMu sync.Mutex
	respond   func(ctx context.Context) (*http.Response, error)
}

func newFetchEvent(ctx context.Context, req *http.Request) *FetchEvent {
	return &FetchEvent{
		ExtendableEvent: newExtendableEvent(ctx),
		Request:         req,
	}
}

// RespondWith 覆盖默认的网络处理，每个事件只能调用一次。
func (e *FetchEvent) RespondWith(task func(ctx context.Context) (*http.Response, error)) error {
	if task == nil {
		return errors.New("respond with task required")
	}
	e.respondMu.Lock()
	defer e.respondMu.Unlock()
	if e.respond != nil {
		return ErrAlreadyResponded
	}
	e.respond = task
	return nil
}

// Responded 报告处理函数是否已经接管响应。
func (e *FetchEvent) Responded() bool {
	e.respondMu.Lock()
	defer e.respondMu.Unlock()
	return e.respond != nil
}

// resolve 执行 RespondWith 登记的任务；handled=false 表示宿主应走默认网络处理。
func (e *FetchEvent) resolve() (*http.Response, bool, error) {
	e.respondMu.Lock()
	task := e.respond
	e.respondMu.Unlock()
	if task == nil {
		return nil, false, nil
	}
	resp, err := task(e.ctx)
	return resp, true, err
}
