package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/site-worker/internal/logging"
	"github.com/any-hub/site-worker/internal/server"
	"github.com/any-hub/site-worker/internal/worker"
)

// Dispatcher 把请求作为 fetch 事件交给 worker 宿主，*worker.Host 即满足该接口。
type Dispatcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, bool, error)
}

// Handler 负责 “入站请求 → fetch 事件 → 回写响应” 的全流程，
// 对外暴露 Fiber handler，网络访问全部发生在 worker 内。
type Handler struct {
	host   Dispatcher
	logger *logrus.Logger
}

var _ server.ProxyHandler = (*Handler)(nil)

// NewHandler constructs a proxy handler around the worker host.
func NewHandler(host Dispatcher, logger *logrus.Logger) *Handler {
	return &Handler{
		host:   host,
		logger: logger,
	}
}

// Handle 构建回源请求并派发 fetch 事件，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.OriginRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := buildNetworkRequest(ctx, c, route)
	if err != nil {
		h.logResult(c.Method(), route.OriginURL.String(), requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}
	target := req.URL.String()

	resp, handled, err := h.host.Fetch(ctx, req)
	if err != nil {
		h.logResult(req.Method, target, requestID, 0, handled, started, err)
		if errors.Is(err, worker.ErrHandlerPanic) {
			return h.writeError(c, fiber.StatusInternalServerError, "worker_handler_panic")
		}
		return h.writeError(c, fiber.StatusBadGateway, "network_error")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Status(resp.StatusCode)

	if req.Method == http.MethodHead {
		h.logResult(req.Method, target, requestID, resp.StatusCode, handled, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(req.Method, target, requestID, resp.StatusCode, handled, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func buildNetworkRequest(ctx context.Context, c fiber.Ctx, route *server.OriginRoute) (*http.Request, error) {
	target := route.Resolve(string(c.Request().URI().Path()), string(c.Request().URI().QueryString()))

	var body io.Reader = http.NoBody
	// c.Body() 会按 Content-Encoding 解码，回源需要原始字节。
	if raw := c.Request().Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Host")
	req.Host = target.Host
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Scheme())
	req.Header.Set("X-Forwarded-Port", fmt.Sprintf("%d", route.ListenPort))
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	method string,
	target string,
	requestID string,
	status int,
	handled bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(method, target, status, handled)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("fetch_failed")
		return
	}
	h.logger.WithFields(fields).Info("fetch_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}
