package handlers

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/omnichannel-hub/session-queue/internal/api/dto"
	"github.com/omnichannel-hub/session-queue/internal/auth"
	"github.com/omnichannel-hub/session-queue/internal/domain"
	"github.com/omnichannel-hub/session-queue/internal/service"
	apperrors "github.com/omnichannel-hub/session-queue/pkg/util/errorutil"
)

// MessagesHandler serves session messages and agent replies.
type MessagesHandler struct {
	reader MessageReader
	sender MessageSender
}

// NewMessagesHandler constructs handler.
func NewMessagesHandler(reader MessageReader, sender MessageSender) *MessagesHandler {
	return &MessagesHandler{reader: reader, sender: sender}
}

// List GET /sessions/:sessionId/messages. Newest first, served from the cache when warm.
func (h *MessagesHandler) List(c *fiber.Ctx) error {
	limit := parseInt(c.Query("limit"), 50)
	if limit > 500 {
		limit = 500
	}
	msgs, err := h.reader.ListRecent(c.UserContext(), c.Params("sessionId"), limit)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": msgs})
}

// History GET /sessions/:sessionId/messages/history. Oldest first, always durable.
func (h *MessagesHandler) History(c *fiber.Ctx) error {
	limit := parseInt(c.Query("limit"), 100)
	if limit > 500 {
		limit = 500
	}
	offset := parseInt(c.Query("offset"), 0)
	msgs, err := h.reader.History(c.UserContext(), c.Params("sessionId"), limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"data": msgs,
		"meta": dto.ListMeta{Total: len(msgs), Limit: limit, Offset: offset},
	})
}

// Stats GET /sessions/:sessionId/messages/stats.
func (h *MessagesHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.reader.Statistics(c.UserContext(), c.Params("sessionId"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": stats})
}

// Send POST /sessions/:sessionId/messages.
func (h *MessagesHandler) Send(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("agent required")
	}
	var req dto.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = principal.UserID
	}
	if !principal.CanActFor(userID) {
		return apperrors.NewForbidden("only supervisors may send on behalf of other agents")
	}

	msg, err := h.sender.Send(c.UserContext(), service.SendInput{
		SessionID:        c.Params("sessionId"),
		UserID:           userID,
		Body:             req.Body,
		MediaRef:         req.MediaRef,
		Type:             domain.MessageType(strings.ToUpper(strings.TrimSpace(req.Type))),
		ReplyToMessageID: req.ReplyToMessageID,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": msg})
}
