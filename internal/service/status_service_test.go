package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnichannel-hub/session-queue/internal/domain"
	"github.com/omnichannel-hub/session-queue/internal/events"
	apperrors "github.com/omnichannel-hub/session-queue/pkg/util/errorutil"
)

func TestMapAckCode(t *testing.T) {
	tests := []struct {
		code string
		want domain.MessageStatus
		ok   bool
	}{
		{"DELIVERY_ACK", domain.MessageStatusDelivered, true},
		{"delivered", domain.MessageStatusDelivered, true},
		{"2", domain.MessageStatusDelivered, true},
		{"3", domain.MessageStatusDelivered, true},
		{"READ", domain.MessageStatusRead, true},
		{"PLAYED", domain.MessageStatusRead, true},
		{"4", domain.MessageStatusRead, true},
		{"5", domain.MessageStatusRead, true},
		{"SERVER_ACK", domain.MessageStatusSent, true},
		{"1", domain.MessageStatusSent, true},
		{"ERROR", domain.MessageStatusFailed, true},
		{"0", domain.MessageStatusFailed, true},
		{"DELETED", domain.MessageStatusDeleted, true},
		{" read ", domain.MessageStatusRead, true},
		{"UNKNOWN_CODE", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			got, ok := MapAckCode(tt.code)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func ingestABC123(t *testing.T, h *harness) *IngestResult {
	t.Helper()
	result, err := h.ingestion(IngestionConfig{}).HandleInbound(context.Background(),
		inboundEvent("abc123", "5511999999999@x", `{"conversation":"hi"}`))
	require.NoError(t, err)
	return result
}

func TestHandleAck_ReadUpdatesBothStores(t *testing.T) {
	h := newHarness(t)
	ingested := ingestABC123(t, h)
	ctx := context.Background()

	err := h.statusService(3).HandleAck(ctx, &events.StatusEvent{Platform: "WHATSAPP", MessageID: "abc123", ExternalStatusCode: "READ"})
	require.NoError(t, err)

	durable, err := h.durable.GetByMessageID(ctx, domain.PlatformWhatsApp, "abc123")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusRead, durable.Status)

	cached, err := h.cache.ListRecent(ctx, ingested.SessionID, 1)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, domain.MessageStatusRead, cached[0].Status)
	assert.Contains(t, h.dispatcher.types(), events.EventMessageStatusChanged)
}

func TestHandleAck_UnknownCodeIsNoop(t *testing.T) {
	h := newHarness(t)
	ingestABC123(t, h)
	lookupsBefore := h.durable.lookups

	err := h.statusService(3).HandleAck(context.Background(), &events.StatusEvent{MessageID: "abc123", ExternalStatusCode: "UNKNOWN_CODE"})
	require.NoError(t, err)

	durable, err := h.durable.FindByMessageID(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusDelivered, durable.Status)
	assert.Equal(t, lookupsBefore+1, h.durable.lookups, "only the assertion lookup ran")
}

func TestHandleAck_WithoutPlatformFindsByMessageID(t *testing.T) {
	h := newHarness(t)
	ingestABC123(t, h)

	err := h.statusService(1).HandleAck(context.Background(), &events.StatusEvent{MessageID: "abc123", ExternalStatusCode: "4"})
	require.NoError(t, err)

	durable, err := h.durable.FindByMessageID(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusRead, durable.Status)
}

func TestHandleAck_NeverMovesBackwards(t *testing.T) {
	h := newHarness(t)
	ingestABC123(t, h)
	svc := h.statusService(1)
	ctx := context.Background()

	require.NoError(t, svc.HandleAck(ctx, &events.StatusEvent{MessageID: "abc123", ExternalStatusCode: "READ"}))
	require.NoError(t, svc.HandleAck(ctx, &events.StatusEvent{MessageID: "abc123", ExternalStatusCode: "DELIVERY_ACK"}))

	durable, err := h.durable.FindByMessageID(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusRead, durable.Status)

	require.NoError(t, svc.HandleAck(ctx, &events.StatusEvent{MessageID: "abc123", ExternalStatusCode: "DELETED"}))
	durable, err = h.durable.FindByMessageID(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusDeleted, durable.Status)
}

func TestHandleAck_UnknownMessageDroppedAfterRetries(t *testing.T) {
	h := newHarness(t)

	err := h.statusService(3).HandleAck(context.Background(), &events.StatusEvent{MessageID: "ghost", ExternalStatusCode: "READ"})
	require.NoError(t, err)
	assert.Equal(t, 3, h.durable.lookups)
}

func TestHandleAck_WaitsForLateMessage(t *testing.T) {
	h := newHarness(t)
	h.durable.onLookup = func(n int) {
		if n == 2 {
			require.NoError(t, h.durable.Create(context.Background(), storeMessage("s1", "late", time.Now().UTC())))
		}
	}

	err := h.statusService(3).HandleAck(context.Background(), &events.StatusEvent{Platform: "WHATSAPP", MessageID: "late", ExternalStatusCode: "DELIVERY_ACK"})
	require.NoError(t, err)

	h.durable.onLookup = nil
	msg, err := h.durable.GetByMessageID(context.Background(), domain.PlatformWhatsApp, "late")
	require.NoError(t, err)
	// storeMessage starts at DELIVERED, so the ack is stale but was found on the second try.
	assert.Equal(t, domain.MessageStatusDelivered, msg.Status)
	assert.Equal(t, 3, h.durable.lookups)
}

func TestHandleAck_UnknownPlatformRejected(t *testing.T) {
	h := newHarness(t)

	err := h.statusService(3).HandleAck(context.Background(), &events.StatusEvent{Platform: "PIGEON", MessageID: "m1", ExternalStatusCode: "READ"})
	assert.True(t, apperrors.IsValidation(err))
	assert.Zero(t, h.durable.lookups)
}
