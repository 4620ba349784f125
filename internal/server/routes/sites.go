package routes

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/shellcache/internal/host"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/worker"
)

// RegisterSiteRoutes 在诊断分组下暴露 /sites 接口：查询 worker 状态、投递消息、触发清单重载。
// r 通常是 server.AppOptions.Diagnostics 传入的 server.DiagnosticsPrefix 分组。
func RegisterSiteRoutes(r fiber.Router, sites *server.SiteRegistry, controllers *host.Registry) {
	if r == nil || sites == nil || controllers == nil {
		return
	}

	r.Get("/sites", func(c fiber.Ctx) error {
		routes := sites.List()
		payload := make([]sitePayload, 0, len(routes))
		for _, route := range routes {
			payload = append(payload, encodeSite(c, route, controllers))
		}
		return c.JSON(fiber.Map{"sites": payload})
	})

	r.Get("/sites/:name", func(c fiber.Ctx) error {
		ctrl, ok := controllers.Lookup(strings.TrimSpace(c.Params("name")))
		if !ok {
			return renderSiteNotFound(c)
		}
		status := ctrl.Status(c.Context())
		return c.JSON(status)
	})

	r.Post("/sites/:name/messages", func(c fiber.Ctx) error {
		ctrl, ok := controllers.Lookup(strings.TrimSpace(c.Params("name")))
		if !ok {
			return renderSiteNotFound(c)
		}
		msg, err := worker.ParseMessage(decodeMessage(c.Body()))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_message"})
		}
		// 消息在后台执行，不能绑定到请求生命周期。
		ctrl.Post(context.Background(), msg)
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": string(msg)})
	})

	r.Post("/sites/:name/update", func(c fiber.Ctx) error {
		ctrl, ok := controllers.Lookup(strings.TrimSpace(c.Params("name")))
		if !ok {
			return renderSiteNotFound(c)
		}
		result, err := ctrl.Update(c.Context())
		if err != nil {
			status := fiber.StatusBadGateway
			if errors.Is(err, worker.ErrActivationFailed) {
				status = fiber.StatusInternalServerError
			}
			return c.Status(status).JSON(fiber.Map{
				"error":  "update_failed",
				"detail": err.Error(),
				"result": result,
			})
		}
		return c.JSON(result)
	})
}

type sitePayload struct {
	Name           string `json:"name"`
	Domain         string `json:"domain"`
	Origin         string `json:"origin"`
	Port           int    `json:"port"`
	ActivationMode string `json:"activation_mode"`
	Controlled     bool   `json:"controlled"`
	State          string `json:"state,omitempty"`
	Version        string `json:"manifest_version,omitempty"`
}

func encodeSite(c fiber.Ctx, route server.SiteRoute, controllers *host.Registry) sitePayload {
	payload := sitePayload{
		Name:           route.Config.Name,
		Domain:         route.Config.Domain,
		Origin:         route.Origin(),
		Port:           route.ListenPort,
		ActivationMode: route.Config.ActivationMode(),
	}
	ctrl, ok := controllers.Lookup(route.Config.Name)
	if !ok {
		return payload
	}
	if active := ctrl.Active(); active != nil {
		payload.Controlled = active.Serving()
		payload.State = string(active.State())
		payload.Version = active.Manifest().Version
	}
	return payload
}

func renderSiteNotFound(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
}

// decodeMessage 接受纯文本或 {"message": "..."} 两种写法。
func decodeMessage(body []byte) string {
	var envelope struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Message != "" {
		return envelope.Message
	}
	var raw string
	if err := json.Unmarshal(body, &raw); err == nil {
		return raw
	}
	return string(body)
}
