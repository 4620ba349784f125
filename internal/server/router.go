package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DiagnosticsPrefix 是控制/诊断接口的路径前缀，不参与 Host 路由，也不会转发给任何站点。
const DiagnosticsPrefix = "/-"

// ProxyHandler serves a request that was resolved to a site. Tests inject
// fakes through ProxyHandlerFunc.
type ProxyHandler interface {
	Handle(fiber.Ctx, *SiteRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *SiteRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *SiteRoute) error {
	return f(c, route)
}

// AppOptions 汇总 NewApp 的依赖。
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *SiteRegistry
	Proxy      ProxyHandler
	ListenPort int

	// Diagnostics 在站点路由之前把接口注册到 DiagnosticsPrefix 分组下，可为空。
	Diagnostics func(fiber.Router)
}

type requestIDKey struct{}

// NewApp 组装 Fiber 应用：panic 恢复 → 请求 ID → 诊断分组 → 按 Host 分发到站点。
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("site registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})
	app.Use(recover.New())
	app.Use(assignRequestID)

	if opts.Diagnostics != nil {
		opts.Diagnostics(app.Group(DiagnosticsPrefix))
	}

	sites := &siteDispatcher{
		logger:   opts.Logger,
		registry: opts.Registry,
		proxy:    opts.Proxy,
		port:     opts.ListenPort,
	}
	app.All("/*", sites.serve)
	return app, nil
}

// assignRequestID 沿用客户端携带的合法 UUID，否则生成新的 ID。
func assignRequestID(c fiber.Ctx) error {
	id := strings.TrimSpace(c.Get(fiber.HeaderXRequestID))
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	BindRequest(c, id)
	c.Set(fiber.HeaderXRequestID, id)
	return c.Next()
}

// siteDispatcher 把请求交给 Host 对应的站点；诊断前缀下未注册的路径直接 404。
type siteDispatcher struct {
	logger   *logrus.Logger
	registry *SiteRegistry
	proxy    ProxyHandler
	port     int
}

func (d *siteDispatcher) serve(c fiber.Ctx) error {
	if isDiagnosticsPath(string(c.Request().URI().Path())) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "diagnostics_not_found"})
	}

	host := requestHost(c)
	route, ok := d.registry.Lookup(host)
	if !ok {
		return d.unmapped(c, host)
	}
	c.Set("X-Shell-Cache-Site", route.Config.Name)
	return d.proxy.Handle(c, route)
}

// unmapped 响应未配置的 Host，并提示可用的诊断入口。
func (d *siteDispatcher) unmapped(c fiber.Ctx, host string) error {
	d.logger.WithFields(logrus.Fields{
		"action":     "host_lookup",
		"host":       host,
		"port":       d.port,
		"request_id": RequestID(c),
	}).Warn("host_unmapped")

	payload := fiber.Map{
		"error": "host_unmapped",
		"sites": DiagnosticsPrefix + "/sites",
	}
	if host != "" {
		c.Set("X-Shell-Cache-Host", host)
		payload["host"] = host
	}
	return c.Status(fiber.StatusNotFound).JSON(payload)
}

func requestHost(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return strings.TrimSpace(string(raw))
	}
	return strings.TrimSpace(c.Hostname())
}

// BindRequest 记录请求 ID，供下游 handler 与日志读取。
func BindRequest(c fiber.Ctx, id string) {
	c.Locals(requestIDKey{}, id)
}

// RequestID returns the request identifier assigned by the router.
func RequestID(c fiber.Ctx) string {
	id, _ := c.Locals(requestIDKey{}).(string)
	return id
}

func isDiagnosticsPath(path string) bool {
	return path == DiagnosticsPrefix || strings.HasPrefix(path, DiagnosticsPrefix+"/")
}
