package proxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/any-hub/site-worker/internal/cache"
	"github.com/any-hub/site-worker/internal/config"
	"github.com/any-hub/site-worker/internal/server"
	"github.com/any-hub/site-worker/internal/worker"
)

func TestHandlerServesIndexFromOrigin(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/index.html" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("X-Origin", "yes")
		_, _ = w.Write([]byte("hello"))
	}))
	defer origin.Close()

	app, logBuf := newTestProxyApp(t, origin.URL)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://site.local/index.html", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if string(body) != "hello" {
		t.Fatalf("expected body hello, got %q", string(body))
	}
	if resp.Header.Get("X-Origin") != "yes" {
		t.Fatalf("origin headers should pass through")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}
	if !strings.Contains(logBuf.String(), `"handled":true`) {
		t.Fatalf("expected fetch log with handled=true, got %s", logBuf.String())
	}
}

func TestHandlerForwardsQueryMethodAndBody(t *testing.T) {
	var (
		gotMethod string
		gotQuery  string
		gotBody   string
		gotFwd    string
	)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		gotMethod = r.Method
		gotQuery = r.URL.RawQuery
		gotBody = string(raw)
		gotFwd = r.Header.Get("X-Forwarded-Host")
		w.WriteHeader(http.StatusCreated)
	}))
	defer origin.Close()

	app, _ := newTestProxyApp(t, origin.URL)

	req := httptest.NewRequest(http.MethodPost, "http://site.local/api/items?page=2", strings.NewReader(`{"name":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected origin status 201, got %d", resp.StatusCode)
	}
	if gotMethod != http.MethodPost || gotQuery != "page=2" || gotBody != `{"name":"x"}` {
		t.Fatalf("unexpected upstream request method=%s query=%s body=%s", gotMethod, gotQuery, gotBody)
	}
	if gotFwd != "site.local" {
		t.Fatalf("expected X-Forwarded-Host site.local, got %q", gotFwd)
	}
}

func TestHandlerForwardsEncodedBodyUnchanged(t *testing.T) {
	var encoded bytes.Buffer
	zw := gzip.NewWriter(&encoded)
	_, _ = zw.Write([]byte("payload"))
	_ = zw.Close()
	sent := encoded.Bytes()

	var (
		gotBody     []byte
		gotEncoding string
	)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotEncoding = r.Header.Get("Content-Encoding")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer origin.Close()

	app, _ := newTestProxyApp(t, origin.URL)

	req := httptest.NewRequest(http.MethodPost, "http://site.local/upload", bytes.NewReader(sent))
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if gotEncoding != "gzip" {
		t.Fatalf("expected Content-Encoding gzip upstream, got %q", gotEncoding)
	}
	if !bytes.Equal(gotBody, sent) {
		t.Fatalf("origin should receive the encoded bytes unchanged, got %d bytes %q", len(gotBody), gotBody)
	}
}

func TestHandlerPassesOriginErrorsThrough(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer origin.Close()

	app, _ := newTestProxyApp(t, origin.URL)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://site.local/missing", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("origin 404 should pass through unchanged, got %d", resp.StatusCode)
	}
}

func TestHandlerUnreachableOriginReturnsBadGateway(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	target := origin.URL
	origin.Close()

	app, logBuf := newTestProxyApp(t, target)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://site.local/index.html", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "network_error") {
		t.Fatalf("expected network_error body, got %s", string(body))
	}
	if !strings.Contains(logBuf.String(), "fetch_failed") {
		t.Fatalf("expected fetch_failed log, got %s", logBuf.String())
	}
}

func TestHandlerHeadSkipsBody(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Origin", "head")
		_, _ = w.Write([]byte("ignored"))
	}))
	defer origin.Close()

	app, _ := newTestProxyApp(t, origin.URL)

	resp, err := app.Test(httptest.NewRequest(http.MethodHead, "http://site.local/", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || len(body) != 0 {
		t.Fatalf("unexpected HEAD response status=%d body=%q", resp.StatusCode, string(body))
	}
	if resp.Header.Get("X-Origin") != "head" {
		t.Fatalf("HEAD should still copy origin headers")
	}
}

func TestHandlerWorkerPanicReturnsInternalError(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Request().SetRequestURI("/index.html")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	handler := NewHandler(dispatcherFunc(func(context.Context, *http.Request) (*http.Response, bool, error) {
		return nil, true, fmt.Errorf("%w: boom", worker.ErrHandlerPanic)
	}), logger)

	if err := handler.Handle(ctx, testRoute(t, "https://example.com")); err != nil {
		t.Fatalf("Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for worker panic, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "worker_handler_panic") {
		t.Fatalf("expected worker_handler_panic body, got %s", body)
	}
	if !strings.Contains(logBuf.String(), "boom") {
		t.Fatalf("expected panic value in log, got %s", logBuf.String())
	}
}

func TestHandlerUsesDispatcherResponse(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Request().SetRequestURI("/app.js?v=1")

	var seen string
	handler := NewHandler(dispatcherFunc(func(_ context.Context, req *http.Request) (*http.Response, bool, error) {
		seen = req.URL.String()
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Connection": {"close"}, "Cache-Control": {"max-age=60"}},
			Body:       io.NopCloser(strings.NewReader("js")),
		}, false, nil
	}), logrus.New())

	if err := handler.Handle(ctx, testRoute(t, "https://example.com/static/")); err != nil {
		t.Fatalf("Handle returned unexpected error: %v", err)
	}
	if seen != "https://example.com/static/app.js?v=1" {
		t.Fatalf("unexpected network target %s", seen)
	}
	if got := string(ctx.Response().Header.Peek("Cache-Control")); got != "max-age=60" {
		t.Fatalf("expected Cache-Control passthrough, got %q", got)
	}
	if got := string(ctx.Response().Header.Peek("Connection")); got == "close" {
		t.Fatalf("hop-by-hop headers must not be copied")
	}
	if string(ctx.Response().Body()) != "js" {
		t.Fatalf("unexpected body %q", string(ctx.Response().Body()))
	}
}

type dispatcherFunc func(context.Context, *http.Request) (*http.Response, bool, error)

func (f dispatcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, bool, error) {
	return f(ctx, req)
}

func testRoute(t *testing.T, origin string) *server.OriginRoute {
	t.Helper()
	route, err := server.NewOriginRoute(&config.Config{
		Global: config.GlobalConfig{ListenPort: 5000, CacheBackend: config.CacheBackendFS},
		Worker: config.WorkerConfig{CacheName: config.DefaultCacheName, Origin: origin},
	})
	if err != nil {
		t.Fatalf("NewOriginRoute error: %v", err)
	}
	return route
}

// newTestProxyApp 组装完整链路：Fiber 路由 → proxy.Handler → worker.Host → origin。
func newTestProxyApp(t *testing.T, origin string) (*fiber.App, *bytes.Buffer) {
	t.Helper()

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:      5000,
			StoragePath:     t.TempDir(),
			CacheBackend:    config.CacheBackendFS,
			UpstreamTimeout: config.Duration(5 * time.Second),
		},
		Worker: config.WorkerConfig{
			CacheName: config.DefaultCacheName,
			Origin:    origin,
		},
	}

	storage, err := cache.NewStorage(cfg.Global.CacheBackend, cfg.Global.StoragePath)
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })

	network := server.NewNetworkClient(cfg)
	handler, err := worker.NewHandler(worker.Options{
		CacheName: cfg.Worker.CacheName,
		Manifest:  cfg.Worker.Manifest(),
		Origin:    cfg.OriginURL(),
		Storage:   storage,
		Network:   network,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("worker handler error: %v", err)
	}
	host, err := worker.NewHost(handler, network, logger)
	if err != nil {
		t.Fatalf("host error: %v", err)
	}
	if err := host.Install(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}

	route := testRoute(t, origin)
	app, err := server.NewApp(server.AppOptions{
		Logger: logger,
		Route:  route,
		Proxy:  NewHandler(host, logger),
	})
	if err != nil {
		t.Fatalf("NewApp error: %v", err)
	}
	return app, logBuf
}
