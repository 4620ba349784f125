package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/host"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/server"
)

// SiteHandler 处理已经解析到站点 Controller 的请求。
type SiteHandler interface {
	ServeSite(fiber.Ctx, *server.SiteRoute, *host.Controller) error
}

// SiteHandlerFunc adapts a function to the SiteHandler interface.
type SiteHandlerFunc func(fiber.Ctx, *server.SiteRoute, *host.Controller) error

// ServeSite makes SiteHandlerFunc satisfy SiteHandler.
func (f SiteHandlerFunc) ServeSite(c fiber.Ctx, route *server.SiteRoute, ctrl *host.Controller) error {
	return f(c, route, ctrl)
}

// ControllerLookup 按站点名称查找 Controller，*host.Registry 即满足该接口。
type ControllerLookup interface {
	Lookup(name string) (*host.Controller, bool)
}

// Forwarder 实现 server.ProxyHandler：为 SiteRoute 找到对应 Controller 并调用 handler，
// 同时把 handler 的 panic 转换为 500 响应。
type Forwarder struct {
	handler     SiteHandler
	controllers ControllerLookup
	logger      *logrus.Logger
}

// NewForwarder 创建 Forwarder。
func NewForwarder(handler SiteHandler, controllers ControllerLookup, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler:     handler,
		controllers: controllers,
		logger:      logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	requestID := server.RequestID(c)
	ctrl := f.lookup(route)
	if ctrl == nil || f.handler == nil {
		return f.respondMissingController(c, route, requestID)
	}
	return f.invokeHandler(c, route, ctrl, requestID)
}

func (f *Forwarder) respondMissingController(c fiber.Ctx, route *server.SiteRoute, requestID string) error {
	f.logSiteError(route, "site_controller_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "site_controller_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.SiteRoute, ctrl *host.Controller, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return f.handler.ServeSite(c, route, ctrl)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.SiteRoute, recovered interface{}, requestID string) error {
	f.logSiteError(route, "site_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "site_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logSiteError(route *server.SiteRoute, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := routeFields(route, requestID)
	fields["action"] = "proxy"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("site controller unavailable")
}

func (f *Forwarder) lookup(route *server.SiteRoute) *host.Controller {
	if route == nil || f.controllers == nil {
		return nil
	}
	ctrl, ok := f.controllers.Lookup(route.Config.Name)
	if !ok {
		return nil
	}
	return ctrl
}

func routeFields(route *server.SiteRoute, requestID string) logrus.Fields {
	var fields logrus.Fields
	if route == nil {
		fields = logging.SiteFields("", "", "")
	} else {
		fields = logging.SiteFields(route.Config.Name, route.Config.Domain, route.Origin())
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
