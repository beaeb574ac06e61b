package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/site-worker/internal/cache"
)

// State 描述 worker 在宿主中的生命周期阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateRedundant  State = "redundant"
)

var (
	// ErrInstallInProgress 表示已有一次 install 尚未结束。
	ErrInstallInProgress = errors.New("install already in progress")
	// ErrHandlerPanic 表示 worker 处理函数发生 panic，已被宿主恢复。
	ErrHandlerPanic = errors.New("worker handler panic")
)

// Host 向 LifecycleHandler 派发 install/fetch 事件并维护 worker 状态。
type Host struct {
	handler LifecycleHandler
	network cache.Fetcher
	logger  *logrus.Logger

	mu    sync.RWMutex
	state State
}

// NewHost 创建宿主；network 用于 worker 尚未接管或未响应时的默认网络处理。
func NewHost(handler LifecycleHandler, network cache.Fetcher, logger *logrus.Logger) (*Host, error) {
	if handler == nil {
		return nil, errors.New("lifecycle handler is required")
	}
	if network == nil {
		return nil, errors.New("network fetcher is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Host{
		handler: handler,
		network: network,
		logger:  logger,
		state:   StateParsed,
	}, nil
}

// State 返回当前生命周期阶段。
func (h *Host) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Install 派发一次 install 事件并等待其结束。失败时 worker 进入 redundant，
// 宿主可以再次调用 Install 重试；已安装时直接返回 nil。
func (h *Host) Install(ctx context.Context) error {
	h.mu.Lock()
	switch h.state {
	case StateInstalled:
		h.mu.Unlock()
		return nil
	case StateInstalling:
		h.mu.Unlock()
		return ErrInstallInProgress
	}
	h.state = StateInstalling
	h.mu.Unlock()

	event := newInstallEvent(ctx)
	dispatchErr := h.dispatch(func() error { return h.handler.Install(event) })
	err := errors.Join(dispatchErr, h.dispatch(event.Settle))

	next := StateInstalled
	if err != nil {
		next = StateRedundant
	}
	h.mu.Lock()
	h.state = next
	h.mu.Unlock()

	fields := logrus.Fields{"action": "install_settled", "state": string(next)}
	if err != nil {
		h.logger.WithFields(fields).WithError(err).Error("install_failed")
		return fmt.Errorf("install: %w", err)
	}
	h.logger.WithFields(fields).Info("install_complete")
	return nil
}

// Fetch 把请求作为 fetch 事件派发给 worker，并返回其响应。
// handled=false 表示响应来自宿主的默认网络处理（worker 未安装或未调用 RespondWith）。
func (h *Host) Fetch(ctx context.Context, req *http.Request) (resp *http.Response, handled bool, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if h.State() != StateInstalled {
		resp, err = h.network.Do(req.WithContext(ctx))
		return resp, false, err
	}

	event := newFetchEvent(ctx, req)
	if err := h.dispatch(func() error { return h.handler.Fetch(event) }); err != nil {
		go h.settleFetch(event, req)
		return nil, false, err
	}

	resp, handled, err = h.resolve(event)
	if !handled {
		resp, err = h.network.Do(req.WithContext(ctx))
	}
	go h.settleFetch(event, req)
	return resp, handled, err
}

func (h *Host) resolve(event *FetchEvent) (resp *http.Response, handled bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, handled, err = nil, true, fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return event.resolve()
}

func (h *Host) settleFetch(event *FetchEvent, req *http.Request) {
	if err := h.dispatch(event.Settle); err != nil {
		h.logger.WithFields(logrus.Fields{
			"action": "fetch_extension",
			"url":    req.URL.String(),
		}).WithError(err).Debug("fetch_extension_failed")
	}
}

// dispatch 调用处理函数的同步部分，panic 会被转换为 ErrHandlerPanic。
func (h *Host) dispatch(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return fn()
}
