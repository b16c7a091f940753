package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/network"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/worker"
)

// Fetcher 把请求交给当前接管的 worker 版本，lifecycle.Registration 满足该接口。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Handler 把 Fiber 请求转换为 fetch 信号，并把最终响应写回客户端。
type Handler struct {
	fetcher Fetcher
	origin  *url.URL
	logger  *logrus.Logger
}

// NewHandler constructs a proxy handler; inbound paths are resolved against origin.
func NewHandler(fetcher Fetcher, origin *url.URL, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Handler{fetcher: fetcher, origin: origin, logger: logger}
}

// Handle 派发 fetch 信号。信号被拒绝（网络失败且没有离线页）时返回 502 network_error。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := h.buildRequest(ctx, c)
	if err != nil {
		h.logResult(c, requestID, "", 0, started, err)
		return writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	resp, err := h.fetcher.Fetch(ctx, req)
	if err != nil {
		h.logResult(c, requestID, "", 0, started, err)
		return writeError(c, fiber.StatusBadGateway, "network_error")
	}
	defer resp.Body.Close()

	source := resp.Header.Get(worker.SourceHeader)
	if source == "" {
		source = string(worker.SourceNetwork)
	}

	copyResponseHeaders(c, resp.Header)
	c.Set(worker.SourceHeader, source)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(c, requestID, source, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(c, requestID, source, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// buildRequest 以源站为基准重建入站请求，附带 X-Forwarded-* 头。
func (h *Handler) buildRequest(ctx context.Context, c fiber.Ctx) (*http.Request, error) {
	target := h.resolveURL(c)

	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}

	network.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Host")
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	return req, nil
}

func (h *Handler) resolveURL(c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	clean := requestPath(c)
	relative := &url.URL{Path: clean}
	if q := uri.QueryString(); len(q) > 0 {
		relative.RawQuery = string(q)
	}
	if h.origin == nil {
		return relative
	}
	return h.origin.ResolveReference(relative)
}

func (h *Handler) logResult(c fiber.Ctx, requestID, source string, status int, started time.Time, err error) {
	fields := logging.RequestFields(c.Method(), requestPath(c), source, requestID)
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("fetch_failed")
		return
	}
	h.logger.WithFields(fields).Info("fetch_complete")
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

// requestPath 返回规整后的请求路径，末尾的 / 保留以区分目录与文件。
func requestPath(c fiber.Ctx) string {
	raw := string(c.Request().URI().Path())
	if raw == "" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	if clean != "/" && raw[len(raw)-1] == '/' {
		clean += "/"
	}
	return clean
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
		if network.IsHopByHopHeader(key) {
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
