package proxy

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/host"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/server"
)

// Handler 把 Fiber 请求转换成 cache.Request 交给站点 Controller，
// 再把 worker 的结果（缓存命中、实时响应）或直通源站的响应流写回客户端。
type Handler struct {
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler.
func NewHandler(logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{logger: logger}
}

// ServeSite 执行一次拦截：网络失败且无缓存兜底时返回 502 upstream_failed。
func (h *Handler) ServeSite(c fiber.Ctx, route *server.SiteRoute, ctrl *host.Controller) error {
	started := time.Now()
	requestID := server.RequestID(c)
	req := buildRequest(c, route)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	result, err := ctrl.Fetch(ctx, req)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	if err != nil {
		h.logResult(route, req.URL, requestID, result, 0, started, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
	}

	if result.Stream != nil {
		return h.sendStream(c, route, req.URL, requestID, result, started)
	}

	resp := result.Response
	h.writeHead(c, resp.Status, resp.Header, result)
	h.logResult(route, req.URL, requestID, result, resp.Status, started, nil)

	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

// sendStream 把直通响应边读边写给客户端，正文不在内存中完整驻留。
func (h *Handler) sendStream(c fiber.Ctx, route *server.SiteRoute, target, requestID string, result host.Result, started time.Time) error {
	stream := result.Stream
	h.writeHead(c, stream.Status, stream.Header, result)
	h.logResult(route, target, requestID, result, stream.Status, started, nil)

	if c.Method() == http.MethodHead {
		return stream.Body.Close()
	}
	size := -1
	if stream.ContentLength >= 0 {
		size = int(stream.ContentLength)
	}
	// fasthttp 写完后负责关闭 Body。
	return c.SendStream(stream.Body, size)
}

func (h *Handler) writeHead(c fiber.Ctx, status int, header http.Header, result host.Result) {
	copyResponseHeaders(c, header)
	c.Set("X-Shell-Cache-Strategy", string(result.Route.Kind))
	c.Set("X-Shell-Cache-Hit", strconv.FormatBool(result.FromCache))
	c.Status(status)
}

// buildRequest 以站点源站为前缀拼出请求 URL，保留原始 path 与 query。
func buildRequest(c fiber.Ctx, route *server.SiteRoute) cache.Request {
	uri := string(c.Request().URI().RequestURI())
	if uri == "" || uri[0] != '/' {
		uri = "/" + uri
	}
	req := cache.Request{
		Method: c.Method(),
		URL:    route.Origin() + uri,
		Header: fiberHeadersAsHTTP(c),
	}
	if body := c.Body(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}
	return req
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	header.Del("Host")
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

func (h *Handler) logResult(
	route *server.SiteRoute,
	target string,
	requestID string,
	result host.Result,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		route.Origin(),
		string(result.Route.Kind),
		result.FromCache,
	)
	fields["action"] = "proxy"
	fields["url"] = target
	fields["path"] = result.Route.Path
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
