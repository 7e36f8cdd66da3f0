package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omnichannel-hub/session-queue/internal/api/http/handlers"
	"github.com/omnichannel-hub/session-queue/internal/auth"
	"github.com/omnichannel-hub/session-queue/internal/domain"
	"github.com/omnichannel-hub/session-queue/internal/events"
	"github.com/omnichannel-hub/session-queue/internal/observability"
	"github.com/omnichannel-hub/session-queue/internal/repository"
	"github.com/omnichannel-hub/session-queue/internal/service"
	apperrors "github.com/omnichannel-hub/session-queue/pkg/util/errorutil"
)

type fakeQueue struct {
	entries    map[string]*domain.QueueEntry
	lastFilter repository.QueueFilter
	assignedTo string
}

func (f *fakeQueue) List(_ context.Context, filter repository.QueueFilter) ([]domain.QueueEntry, int, error) {
	f.lastFilter = filter
	out := make([]domain.QueueEntry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, *e)
	}
	return out, len(out), nil
}

func (f *fakeQueue) Get(_ context.Context, sessionID string) (*domain.QueueEntry, error) {
	if e, ok := f.entries[sessionID]; ok {
		return e, nil
	}
	return nil, apperrors.NewNotFound("session", map[string]any{"session_id": sessionID})
}

func (f *fakeQueue) Statistics(context.Context) (*domain.QueueStatistics, error) {
	return &domain.QueueStatistics{
		Total:              2,
		PerStatus:          map[domain.QueueStatus]int{domain.QueueStatusBot: 1, domain.QueueStatusService: 1},
		AverageWaitingTime: 90 * time.Second,
	}, nil
}

func (f *fakeQueue) Assign(ctx context.Context, sessionID, userID string) (*domain.QueueEntry, error) {
	e, err := f.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	f.assignedTo = userID
	e.AssignedUserID = &userID
	return e, nil
}

func (f *fakeQueue) Transition(ctx context.Context, sessionID string, status domain.QueueStatus, _ *string) (*domain.QueueEntry, error) {
	e, err := f.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	e.Status = status
	return e, nil
}

func (f *fakeQueue) Finish(ctx context.Context, sessionID string, _ *string) (*domain.ServiceHistory, error) {
	e, err := f.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	delete(f.entries, sessionID)
	return &domain.ServiceHistory{ID: "h1", SessionID: e.SessionID, CustomerID: e.CustomerID, FinishedAt: time.Now()}, nil
}

func (f *fakeQueue) CustomerHistory(_ context.Context, customerID string, _ int) ([]domain.ServiceHistory, error) {
	return []domain.ServiceHistory{{ID: "h1", SessionID: "s0", CustomerID: customerID}}, nil
}

type fakeMessages struct {
	sent []service.SendInput
}

func (f *fakeMessages) ListRecent(_ context.Context, sessionID string, _ int) ([]domain.CanonicalMessage, error) {
	return []domain.CanonicalMessage{{MessageID: "m2", SessionID: sessionID}, {MessageID: "m1", SessionID: sessionID}}, nil
}

func (f *fakeMessages) History(_ context.Context, sessionID string, _, _ int) ([]domain.CanonicalMessage, error) {
	return []domain.CanonicalMessage{{MessageID: "m1", SessionID: sessionID}}, nil
}

func (f *fakeMessages) Statistics(context.Context, string) (*domain.MessageStatistics, error) {
	return &domain.MessageStatistics{FastCount: 2, DurableCount: 2}, nil
}

func (f *fakeMessages) Send(_ context.Context, input service.SendInput) (*domain.CanonicalMessage, error) {
	f.sent = append(f.sent, input)
	return &domain.CanonicalMessage{MessageID: "out-1", SessionID: input.SessionID, Status: domain.MessageStatusSent}, nil
}

type fakeIngest struct {
	duplicate bool
	err       error
}

func (f *fakeIngest) HandleInbound(_ context.Context, evt *events.InboundEvent) (*service.IngestResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &service.IngestResult{
		Message:        &domain.CanonicalMessage{MessageID: evt.MessageKey.ID},
		SessionID:      "s1",
		CustomerID:     "c1",
		SessionCreated: !f.duplicate,
		Duplicate:      f.duplicate,
	}, nil
}

type fakeAcks struct{ seen []*events.StatusEvent }

func (f *fakeAcks) HandleAck(_ context.Context, evt *events.StatusEvent) error {
	f.seen = append(f.seen, evt)
	return nil
}

type pingFunc func(context.Context) error

func (p pingFunc) Ping(ctx context.Context) error { return p(ctx) }

type testServer struct {
	app      *fiber.App
	queue    *fakeQueue
	messages *fakeMessages
	ingest   *fakeIngest
	acks     *fakeAcks
	tokens   *auth.TokenManager
}

func newTestServer(t *testing.T, redisDown bool) *testServer {
	t.Helper()
	s := &testServer{
		queue: &fakeQueue{entries: map[string]*domain.QueueEntry{
			"s1": {SessionID: "s1", CustomerID: "c1", Platform: domain.PlatformWhatsApp, Status: domain.QueueStatusBot},
		}},
		messages: &fakeMessages{},
		ingest:   &fakeIngest{},
		acks:     &fakeAcks{},
		tokens:   auth.NewTokenManager("secret", 5),
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	redisPing := pingFunc(func(context.Context) error { return nil })
	if redisDown {
		redisPing = func(context.Context) error { return errors.New("connection refused") }
	}

	s.app = fiber.New()
	RegisterMiddlewares(s.app, zap.NewNop(), metrics, time.Second)
	RegisterRoutes(s.app, RouteConfig{
		Health: handlers.NewHealthHandler("omnichannel-service", "test",
			handlers.Dependency{Name: "postgres", Pinger: pingFunc(func(context.Context) error { return nil })},
			handlers.Dependency{Name: "redis", Pinger: redisPing},
		),
		Queue:          handlers.NewQueueHandler(s.queue),
		Messages:       handlers.NewMessagesHandler(s.messages, s.messages),
		Webhooks:       handlers.NewWebhooksHandler(s.ingest, s.acks),
		Metrics:        adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
		AuthMiddleware: auth.NewAuthMiddleware(s.tokens),
		WebhookSecret:  "hook-secret",
	})
	return s
}

func (s *testServer) token(t *testing.T, userID string, role domain.AgentRole) string {
	t.Helper()
	token, _, err := s.tokens.GenerateToken(userID, role)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return s.send(t, req)
}

func (s *testServer) send(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

func errorCode(body map[string]any) string {
	errBody, _ := body["error"].(map[string]any)
	code, _ := errBody["code"].(string)
	return code
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, false)
	resp, body := s.do(t, http.MethodGet, "/health/live", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alive", body["status"])

	resp, body = s.do(t, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["status"])

	down := newTestServer(t, true)
	resp, body = down.do(t, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "DEPENDENCY_UNAVAILABLE", errorCode(body))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, false)
	s.do(t, http.MethodGet, "/health/live", "", "")

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "omnichannel_http_requests_total")
}

func TestAPIRequiresToken(t *testing.T) {
	s := newTestServer(t, false)

	resp, body := s.do(t, http.MethodGet, "/api/v1/queue", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, apperrors.CodeUnauthorized, errorCode(body))
}

func TestUnknownRouteIsJSONNotFound(t *testing.T) {
	s := newTestServer(t, false)

	resp, body := s.do(t, http.MethodGet, "/nope", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, apperrors.CodeNotFound, errorCode(body))
}

func TestQueueList(t *testing.T) {
	s := newTestServer(t, false)
	token := s.token(t, "agent-1", domain.RoleAgent)

	resp, body := s.do(t, http.MethodGet, "/api/v1/queue?status=bot,waiting&platform=whatsapp&limit=5&offset=10&created_from=2026-01-01T00:00:00Z", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, []domain.QueueStatus{domain.QueueStatusBot, domain.QueueStatusWaiting}, s.queue.lastFilter.Statuses)
	require.NotNil(t, s.queue.lastFilter.Platform)
	assert.Equal(t, domain.PlatformWhatsApp, *s.queue.lastFilter.Platform)
	assert.Equal(t, 5, s.queue.lastFilter.Limit)
	assert.Equal(t, 10, s.queue.lastFilter.Offset)
	require.NotNil(t, s.queue.lastFilter.CreatedFrom)

	meta := body["meta"].(map[string]any)
	assert.Equal(t, float64(1), meta["total"])
	assert.Len(t, body["data"], 1)
}

func TestQueueList_BadQuery(t *testing.T) {
	s := newTestServer(t, false)
	token := s.token(t, "agent-1", domain.RoleAgent)

	for _, query := range []string{"created_to=yesterday", "platform=PIGEON"} {
		resp, body := s.do(t, http.MethodGet, "/api/v1/queue?"+query, token, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
		assert.Equal(t, apperrors.CodeValidation, errorCode(body), query)
	}
}

func TestQueueStatsAndGet(t *testing.T) {
	s := newTestServer(t, false)
	token := s.token(t, "agent-1", domain.RoleAgent)

	resp, body := s.do(t, http.MethodGet, "/api/v1/queue/stats", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, float64(90), data["average_waiting_time_seconds"])

	resp, body = s.do(t, http.MethodGet, "/api/v1/queue/missing", token, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, apperrors.CodeNotFound, errorCode(body))
}

func TestQueueAssign(t *testing.T) {
	s := newTestServer(t, false)
	agent := s.token(t, "agent-1", domain.RoleAgent)
	supervisor := s.token(t, "sup-1", domain.RoleSupervisor)

	resp, _ := s.do(t, http.MethodPost, "/api/v1/queue/s1/assign", agent, `{"user_id":"agent-2"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/queue/s1/assign", agent, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "agent-1", s.queue.assignedTo)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/queue/s1/assign", supervisor, `{"user_id":"agent-2"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "agent-2", s.queue.assignedTo)
}

func TestQueueTransitionAndFinish(t *testing.T) {
	s := newTestServer(t, false)
	token := s.token(t, "agent-1", domain.RoleAgent)

	resp, body := s.do(t, http.MethodPost, "/api/v1/queue/s1/transition", token, `{"status":"parked"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, apperrors.CodeValidation, errorCode(body))

	resp, body = s.do(t, http.MethodPost, "/api/v1/queue/s1/transition", token, `{"status":"waiting"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "WAITING", body["data"].(map[string]any)["status"])

	resp, body = s.do(t, http.MethodPost, "/api/v1/queue/s1/finish", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "s1", body["data"].(map[string]any)["session_id"])

	resp, _ = s.do(t, http.MethodPost, "/api/v1/queue/s1/finish", token, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCustomerHistory(t *testing.T) {
	s := newTestServer(t, false)
	token := s.token(t, "agent-1", domain.RoleAgent)

	resp, body := s.do(t, http.MethodGet, "/api/v1/customers/c9/history", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := body["data"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "c9", items[0].(map[string]any)["customer_id"])
}

func TestSessionMessages(t *testing.T) {
	s := newTestServer(t, false)
	token := s.token(t, "agent-1", domain.RoleAgent)

	resp, body := s.do(t, http.MethodGet, "/api/v1/sessions/s1/messages?limit=2", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["data"], 2)

	resp, body = s.do(t, http.MethodGet, "/api/v1/sessions/s1/messages/history", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["data"], 1)

	resp, body = s.do(t, http.MethodGet, "/api/v1/sessions/s1/messages/stats", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["data"].(map[string]any)["fast_count"])
}

func TestSendMessage(t *testing.T) {
	s := newTestServer(t, false)
	token := s.token(t, "agent-1", domain.RoleAgent)

	resp, body := s.do(t, http.MethodPost, "/api/v1/sessions/s1/messages", token, `{"type":"text","body":"Hello"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "out-1", body["data"].(map[string]any)["message_id"])

	require.Len(t, s.messages.sent, 1)
	sent := s.messages.sent[0]
	assert.Equal(t, "s1", sent.SessionID)
	assert.Equal(t, "agent-1", sent.UserID)
	assert.Equal(t, domain.MessageTypeText, sent.Type)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/sessions/s1/messages", token, `{"user_id":"agent-2","body":"x"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

const inboundBody = `{"platform":"WHATSAPP","instanceId":"inst-1","messageKey":{"remoteJid":"5511999999999@x","fromMe":false,"id":"abc123"},"rawMessagePayload":{"conversation":"hi"},"timestamp":1767225600}`

func webhookRequest(path, secret, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(webhookSecretHeader, secret)
	}
	return req
}

func TestWebhookInbound(t *testing.T) {
	s := newTestServer(t, false)

	resp, _ := s.send(t, webhookRequest("/webhooks/inbound", "", inboundBody))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.send(t, webhookRequest("/webhooks/inbound", "wrong", inboundBody))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := s.send(t, webhookRequest("/webhooks/inbound", "hook-secret", inboundBody))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, "abc123", data["message_id"])
	assert.Equal(t, true, data["session_created"])

	s.ingest.duplicate = true
	resp, body = s.send(t, webhookRequest("/webhooks/inbound", "hook-secret", inboundBody))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["data"].(map[string]any)["duplicate"])

	resp, body = s.send(t, webhookRequest("/webhooks/inbound", "hook-secret", `{"platform":"WHATSAPP"}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, apperrors.CodeValidation, errorCode(body))

	s.ingest.err = apperrors.NewUnimplemented("TELEGRAM")
	resp, body = s.send(t, webhookRequest("/webhooks/inbound", "hook-secret", inboundBody))
	assert.Equal(t, apperrors.CodeUnimplemented, errorCode(body))
	assert.GreaterOrEqual(t, resp.StatusCode, 400)
}

func TestWebhookStatus(t *testing.T) {
	s := newTestServer(t, false)

	resp, _ := s.send(t, webhookRequest("/webhooks/status", "hook-secret", `{"platform":"WHATSAPP","messageId":"abc123","externalStatusCode":"READ"}`))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, s.acks.seen, 1)
	assert.Equal(t, "READ", s.acks.seen[0].ExternalStatusCode)
}
