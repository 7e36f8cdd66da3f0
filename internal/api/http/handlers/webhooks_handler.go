package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/omnichannel-hub/session-queue/internal/api/dto"
	"github.com/omnichannel-hub/session-queue/internal/events"
)

// WebhooksHandler is the HTTP ingress for gateways that push instead of publishing to the broker.
// It runs the same pipeline as the broker consumer.
type WebhooksHandler struct {
	inbound InboundIngestor
	acks    AckApplier
}

// NewWebhooksHandler constructs handler.
func NewWebhooksHandler(inbound InboundIngestor, acks AckApplier) *WebhooksHandler {
	return &WebhooksHandler{inbound: inbound, acks: acks}
}

// Inbound POST /webhooks/inbound.
func (h *WebhooksHandler) Inbound(c *fiber.Ctx) error {
	evt, err := events.DecodeInbound(c.Body())
	if err != nil {
		return err
	}
	result, err := h.inbound.HandleInbound(c.UserContext(), evt)
	if err != nil {
		return err
	}
	resp := dto.IngestResponse{
		SessionID:      result.SessionID,
		CustomerID:     result.CustomerID,
		SessionCreated: result.SessionCreated,
		Duplicate:      result.Duplicate,
	}
	if result.Message != nil {
		resp.MessageID = result.Message.MessageID
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	return c.Status(status).JSON(fiber.Map{"data": resp})
}

// Status POST /webhooks/status.
func (h *WebhooksHandler) Status(c *fiber.Ctx) error {
	evt, err := events.DecodeStatus(c.Body())
	if err != nil {
		return err
	}
	if err := h.acks.HandleAck(c.UserContext(), evt); err != nil {
		return err
	}
	return c.SendStatus(http.StatusAccepted)
}
