package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/site-worker/internal/cache"
	"github.com/any-hub/site-worker/internal/config"
	"github.com/any-hub/site-worker/internal/logging"
)

// LifecycleHandler reacts to the lifecycle signals delivered by a Host.
// Returned errors reject the event the same way a failed WaitUntil task does.
type LifecycleHandler interface {
	Install(e *InstallEvent) error
	Fetch(e *FetchEvent) error
}

// Options 汇总构建 Handler 所需的依赖，缓存名称与清单来自配置。
type Options struct {
	CacheName string
	Manifest  []string
	Origin    *url.URL
	Storage   cache.Storage
	Network   cache.Fetcher
	Logger    *logrus.Logger
}

// Handler 是站点 worker 本身：install 时预缓存清单，fetch 时直接回源。
type Handler struct {
	cacheName string
	manifest  []*url.URL
	storage   cache.Storage
	network   cache.Fetcher
	logger    *logrus.Logger
}

var _ LifecycleHandler = (*Handler)(nil)

// NewHandler 校验依赖并把清单解析为绝对地址。
func NewHandler(opts Options) (*Handler, error) {
	if strings.TrimSpace(opts.CacheName) == "" {
		return nil, cache.ErrCacheNameRequired
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network fetcher is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}

	manifest := make([]*url.URL, 0, len(opts.Manifest))
	for _, raw := range opts.Manifest {
		resolved, err := config.ResolveResource(opts.Origin, raw)
		if err != nil {
			return nil, fmt.Errorf("precache entry %q: %w", raw, err)
		}
		manifest = append(manifest, resolved)
	}

	return &Handler{
		cacheName: opts.CacheName,
		manifest:  manifest,
		storage:   opts.Storage,
		network:   opts.Network,
		logger:    opts.Logger,
	}, nil
}

// CacheName 返回 worker 使用的缓存名称。
func (h *Handler) CacheName() string {
	return h.cacheName
}

// Manifest 返回解析后的预缓存清单（绝对地址，按配置顺序）。
func (h *Handler) Manifest() []string {
	out := make([]string, len(h.manifest))
	for i, u := range h.manifest {
		out[i] = u.String()
	}
	return out
}

// Install opens the named cache and stores every manifest resource as one
// batch. The event does not settle until the batch does.
func (h *Handler) Install(e *InstallEvent) error {
	h.logger.WithFields(logging.WorkerFields("install", h.cacheName, h.storage.Backend())).Info("install")

	return e.WaitUntil(func(ctx context.Context) error {
		c, err := h.storage.Open(ctx, h.cacheName)
		if err != nil {
			return err
		}
		requests, err := h.precacheRequests(ctx)
		if err != nil {
			return err
		}
		h.logger.WithFields(logrus.Fields{
			"action":     "precache",
			"cache_name": h.cacheName,
			"resources":  len(requests),
		}).Debug("caching app shell and content")
		return cache.AddAll(ctx, c, h.network, requests)
	})
}

// Fetch answers the intercepted request with a live network fetch.
func (h *Handler) Fetch(e *FetchEvent) error {
	req := e.Request
	return e.RespondWith(func(ctx context.Context) (*http.Response, error) {
		return h.network.Do(req.Clone(ctx))
	})
}

func (h *Handler) precacheRequests(ctx context.Context) ([]*http.Request, error) {
	requests := make([]*http.Request, 0, len(h.manifest))
	for _, target := range h.manifest {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, nil
}
