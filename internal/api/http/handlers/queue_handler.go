package handlers

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/omnichannel-hub/session-queue/internal/api/dto"
	"github.com/omnichannel-hub/session-queue/internal/auth"
	"github.com/omnichannel-hub/session-queue/internal/domain"
	"github.com/omnichannel-hub/session-queue/internal/repository"
	apperrors "github.com/omnichannel-hub/session-queue/pkg/util/errorutil"
)

// QueueHandler exposes the session queue to agents.
type QueueHandler struct {
	service QueueService
}

// NewQueueHandler constructs handler.
func NewQueueHandler(queueService QueueService) *QueueHandler {
	return &QueueHandler{service: queueService}
}

// List GET /queue.
func (h *QueueHandler) List(c *fiber.Ctx) error {
	filter, err := parseQueueQuery(c)
	if err != nil {
		return err
	}
	entries, total, err := h.service.List(c.UserContext(), filter)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []domain.QueueEntry{}
	}
	return c.JSON(fiber.Map{
		"data": entries,
		"meta": dto.ListMeta{Total: total, Limit: filter.Limit, Offset: filter.Offset},
	})
}

// Stats GET /queue/stats.
func (h *QueueHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.service.Statistics(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.QueueStatsResponse{
		Total:                     stats.Total,
		PerStatus:                 stats.PerStatus,
		AverageWaitingTimeSeconds: stats.AverageWaitingTime.Seconds(),
	}})
}

// Get GET /queue/:sessionId.
func (h *QueueHandler) Get(c *fiber.Ctx) error {
	entry, err := h.service.Get(c.UserContext(), c.Params("sessionId"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": entry})
}

// Assign POST /queue/:sessionId/assign.
func (h *QueueHandler) Assign(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("agent required")
	}
	var req dto.AssignRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apperrors.NewValidationError("invalid payload", nil)
		}
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = principal.UserID
	}
	if !principal.CanActFor(userID) {
		return apperrors.NewForbidden("only supervisors may assign other agents")
	}
	entry, err := h.service.Assign(c.UserContext(), c.Params("sessionId"), userID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": entry})
}

// Transition POST /queue/:sessionId/transition.
func (h *QueueHandler) Transition(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("agent required")
	}
	var req dto.TransitionRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	status := domain.QueueStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if !status.Valid() {
		return apperrors.NewValidationError("unknown queue status", map[string]any{"status": req.Status})
	}
	entry, err := h.service.Transition(c.UserContext(), c.Params("sessionId"), status, &principal.UserID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": entry})
}

// Finish POST /queue/:sessionId/finish.
func (h *QueueHandler) Finish(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("agent required")
	}
	record, err := h.service.Finish(c.UserContext(), c.Params("sessionId"), &principal.UserID)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"data": historyResponse(record)})
}

// CustomerHistory GET /customers/:customerId/history.
func (h *QueueHandler) CustomerHistory(c *fiber.Ctx) error {
	records, err := h.service.CustomerHistory(c.UserContext(), c.Params("customerId"), parseInt(c.Query("limit"), 20))
	if err != nil {
		return err
	}
	items := make([]dto.ServiceHistoryResponse, 0, len(records))
	for i := range records {
		items = append(items, historyResponse(&records[i]))
	}
	return c.JSON(fiber.Map{"data": items})
}

func parseQueueQuery(c *fiber.Ctx) (repository.QueueFilter, error) {
	filter := repository.QueueFilter{
		Limit:  parseInt(c.Query("limit"), 20),
		Offset: parseInt(c.Query("offset"), 0),
	}
	for _, part := range splitList(c.Query("status")) {
		filter.Statuses = append(filter.Statuses, domain.QueueStatus(strings.ToUpper(part)))
	}
	if userID := c.Query("user_id"); userID != "" {
		filter.UserID = &userID
	}
	if customerID := c.Query("customer_id"); customerID != "" {
		filter.CustomerID = &customerID
	}
	if raw := c.Query("platform"); raw != "" {
		p := domain.ParsePlatform(raw)
		if !p.Valid() {
			return filter, apperrors.NewValidationError("unknown platform", map[string]any{"platform": raw})
		}
		filter.Platform = &p
	}
	from, err := parseTime("created_from", c.Query("created_from"))
	if err != nil {
		return filter, err
	}
	to, err := parseTime("created_to", c.Query("created_to"))
	if err != nil {
		return filter, err
	}
	filter.CreatedFrom, filter.CreatedTo = from, to
	return filter, nil
}

func historyResponse(record *domain.ServiceHistory) dto.ServiceHistoryResponse {
	return dto.ServiceHistoryResponse{
		ID:             record.ID,
		SessionID:      record.SessionID,
		CustomerID:     record.CustomerID,
		AssignedUserID: record.AssignedUserID,
		Platform:       record.Platform,
		CreatedAt:      record.CreatedAt,
		AttendedAt:     record.AttendedAt,
		FinishedAt:     record.FinishedAt,
		Metadata:       record.Metadata,
	}
}
