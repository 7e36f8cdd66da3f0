package worker

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omnichannel-hub/session-queue/internal/config"
	"github.com/omnichannel-hub/session-queue/internal/events"
	"github.com/omnichannel-hub/session-queue/internal/service"
	apperrors "github.com/omnichannel-hub/session-queue/pkg/util/errorutil"
)

type settlement struct {
	acked    bool
	nacked   bool
	requeued bool
}

func (s *settlement) Ack(uint64, bool) error { s.acked = true; return nil }

func (s *settlement) Nack(_ uint64, _ bool, requeue bool) error {
	s.nacked = true
	s.requeued = requeue
	return nil
}

func (s *settlement) Reject(_ uint64, requeue bool) error {
	s.nacked = true
	s.requeued = requeue
	return nil
}

type stubInbound struct {
	err  error
	seen []*events.InboundEvent
}

func (s *stubInbound) HandleInbound(_ context.Context, evt *events.InboundEvent) (*service.IngestResult, error) {
	s.seen = append(s.seen, evt)
	if s.err != nil {
		return nil, s.err
	}
	return &service.IngestResult{}, nil
}

type stubAcks struct {
	err  error
	seen []*events.StatusEvent
}

func (s *stubAcks) HandleAck(_ context.Context, evt *events.StatusEvent) error {
	s.seen = append(s.seen, evt)
	return s.err
}

const validInbound = `{"platform":"WHATSAPP","instanceId":"inst-1","messageKey":{"remoteJid":"5511999999999@x","fromMe":false,"id":"abc123"},"rawMessagePayload":{"conversation":"hi"},"timestamp":1767225600}`

func newTestConsumer(inbound *stubInbound, acks *stubAcks) *Consumer {
	c := NewConsumer(
		config.RabbitMQConfig{InboundQueue: "in", StatusQueue: "status"},
		config.WorkerConfig{Concurrency: 1, EventTimeoutSeconds: 1},
		inbound, acks, nil, zap.NewNop(),
	)
	c.requeueDelay = 0
	return c
}

func delivery(body string, s *settlement) amqp.Delivery {
	return amqp.Delivery{Acknowledger: s, DeliveryTag: 1, Body: []byte(body)}
}

func TestDispositionFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Disposition
	}{
		{"success", nil, DispositionAck},
		{"validation", apperrors.NewValidationError("bad", nil), DispositionDrop},
		{"unimplemented", apperrors.NewUnimplemented("TELEGRAM"), DispositionDrop},
		{"unsupported", apperrors.NewUnsupported("PIGEON"), DispositionDrop},
		{"transient", apperrors.NewTransient("redis down", nil), DispositionRequeue},
		{"unknown error", errors.New("boom"), DispositionRequeue},
		{"deadline", context.DeadlineExceeded, DispositionRequeue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DispositionFor(tt.err))
		})
	}
}

func TestHandle_InboundAcked(t *testing.T) {
	inbound := &stubInbound{}
	c := newTestConsumer(inbound, &stubAcks{})
	s := &settlement{}

	got := c.Handle(context.Background(), "in", delivery(validInbound, s))

	assert.Equal(t, DispositionAck, got)
	assert.True(t, s.acked)
	require.Len(t, inbound.seen, 1)
	assert.Equal(t, "abc123", inbound.seen[0].MessageKey.ID)
}

func TestHandle_MalformedInboundDropped(t *testing.T) {
	inbound := &stubInbound{}
	c := newTestConsumer(inbound, &stubAcks{})
	s := &settlement{}

	got := c.Handle(context.Background(), "in", delivery(`{"platform":"WHATSAPP"}`, s))

	assert.Equal(t, DispositionDrop, got)
	assert.True(t, s.nacked)
	assert.False(t, s.requeued)
	assert.Empty(t, inbound.seen)
}

func TestHandle_TransientFailureRequeued(t *testing.T) {
	inbound := &stubInbound{err: apperrors.NewTransient("durable store unavailable", nil)}
	c := newTestConsumer(inbound, &stubAcks{})
	s := &settlement{}

	got := c.Handle(context.Background(), "in", delivery(validInbound, s))

	assert.Equal(t, DispositionRequeue, got)
	assert.True(t, s.nacked)
	assert.True(t, s.requeued)
}

func TestHandle_StatusRouted(t *testing.T) {
	acks := &stubAcks{}
	c := newTestConsumer(&stubInbound{}, acks)
	s := &settlement{}

	got := c.Handle(context.Background(), "status", delivery(`{"platform":"WHATSAPP","messageId":"abc123","externalStatusCode":4}`, s))

	assert.Equal(t, DispositionAck, got)
	require.Len(t, acks.seen, 1)
	assert.Equal(t, "4", acks.seen[0].ExternalStatusCode)
}

func TestHandle_UnknownQueueDropped(t *testing.T) {
	c := newTestConsumer(&stubInbound{}, &stubAcks{})
	s := &settlement{}

	assert.Equal(t, DispositionDrop, c.Handle(context.Background(), "elsewhere", delivery(`{}`, s)))
	assert.False(t, s.requeued)
}
