package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/omnichannel-hub/session-queue/internal/api/http/handlers"
	"github.com/omnichannel-hub/session-queue/internal/auth"
	"github.com/omnichannel-hub/session-queue/internal/domain"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Queue          *handlers.QueueHandler
	Messages       *handlers.MessagesHandler
	Webhooks       *handlers.WebhooksHandler
	Metrics        fiber.Handler
	AuthMiddleware *auth.AuthMiddleware
	WebhookSecret  string
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Metrics != nil {
		app.Get("/metrics", cfg.Metrics)
	}

	webhooks := app.Group("/webhooks", webhookSecretMiddleware(cfg.WebhookSecret))
	webhooks.Post("/inbound", cfg.Webhooks.Inbound)
	webhooks.Post("/status", cfg.Webhooks.Status)

	api := app.Group("/api/v1", cfg.AuthMiddleware.Handle, auth.RequireRole(domain.RoleAgent, domain.RoleSupervisor))

	api.Get("/queue", cfg.Queue.List)
	api.Get("/queue/stats", cfg.Queue.Stats)
	api.Get("/queue/:sessionId", cfg.Queue.Get)
	api.Post("/queue/:sessionId/assign", cfg.Queue.Assign)
	api.Post("/queue/:sessionId/transition", cfg.Queue.Transition)
	api.Post("/queue/:sessionId/finish", cfg.Queue.Finish)

	api.Get("/sessions/:sessionId/messages", cfg.Messages.List)
	api.Get("/sessions/:sessionId/messages/history", cfg.Messages.History)
	api.Get("/sessions/:sessionId/messages/stats", cfg.Messages.Stats)
	api.Post("/sessions/:sessionId/messages", cfg.Messages.Send)

	api.Get("/customers/:customerId/history", cfg.Queue.CustomerHistory)
}
