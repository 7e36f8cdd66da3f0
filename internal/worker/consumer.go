package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/omnichannel-hub/session-queue/internal/config"
	"github.com/omnichannel-hub/session-queue/internal/events"
	"github.com/omnichannel-hub/session-queue/internal/observability"
	"github.com/omnichannel-hub/session-queue/internal/service"
	apperrors "github.com/omnichannel-hub/session-queue/pkg/util/errorutil"
)

// InboundHandler processes decoded inbound message events.
type InboundHandler interface {
	HandleInbound(ctx context.Context, evt *events.InboundEvent) (*service.IngestResult, error)
}

// AckHandler processes decoded status acknowledgements.
type AckHandler interface {
	HandleAck(ctx context.Context, evt *events.StatusEvent) error
}

// Disposition is what happens to a delivery once its handler returns.
type Disposition string

const (
	DispositionAck     Disposition = "ack"
	DispositionDrop    Disposition = "drop"
	DispositionRequeue Disposition = "requeue"
)

// DispositionFor classifies a handler result. Events that can never succeed are dropped so
// they do not circle the broker; transient failures go back on the queue.
func DispositionFor(err error) Disposition {
	switch {
	case err == nil:
		return DispositionAck
	case apperrors.IsRetryable(err):
		return DispositionRequeue
	default:
		return DispositionDrop
	}
}

// Consumer reads inbound and status events from RabbitMQ and feeds them to the pipeline.
type Consumer struct {
	cfg          config.RabbitMQConfig
	worker       config.WorkerConfig
	inbound      InboundHandler
	acks         AckHandler
	metrics      *observability.Metrics
	logger       *zap.Logger
	dial         func(url string) (*amqp.Connection, error)
	requeueDelay time.Duration
}

// NewConsumer wires a consumer. Connection happens in Run.
func NewConsumer(cfg config.RabbitMQConfig, workerCfg config.WorkerConfig, inbound InboundHandler, acks AckHandler, metrics *observability.Metrics, logger *zap.Logger) *Consumer {
	return &Consumer{
		cfg:          cfg,
		worker:       workerCfg,
		inbound:      inbound,
		acks:         acks,
		metrics:      metrics,
		logger:       logger,
		dial:         amqp.Dial,
		requeueDelay: 500 * time.Millisecond,
	}
}

type job struct {
	queue    string
	delivery amqp.Delivery
}

// Run consumes until ctx is cancelled or the broker connection drops. In-flight deliveries
// finish before Run returns; unacked ones are redelivered by the broker.
func (c *Consumer) Run(ctx context.Context) error {
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("connect rabbitmq: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	defer ch.Close()

	prefetch := c.cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = 20
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	jobs := make(chan job)
	var feeders sync.WaitGroup
	for _, queue := range []string{c.cfg.InboundQueue, c.cfg.StatusQueue} {
		if _, err := ch.QueueDeclare(
			queue,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,
		); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
		deliveries, err := ch.Consume(
			queue,
			"",    // consumer tag, generated by the server
			false, // auto-ack
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,
		)
		if err != nil {
			return fmt.Errorf("consume %s: %w", queue, err)
		}

		feeders.Add(1)
		go func(queue string, deliveries <-chan amqp.Delivery) {
			defer feeders.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					select {
					case jobs <- job{queue: queue, delivery: d}:
					case <-ctx.Done():
						_ = d.Nack(false, true)
						return
					}
				}
			}
		}(queue, deliveries)
	}

	concurrency := c.worker.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	var workers sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for j := range jobs {
				c.Handle(ctx, j.queue, j.delivery)
			}
		}()
	}

	c.logger.Info("consuming broker events",
		zap.String("inbound_queue", c.cfg.InboundQueue),
		zap.String("status_queue", c.cfg.StatusQueue),
		zap.Int("concurrency", concurrency),
		zap.Int("prefetch", prefetch))

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	feedersDone := make(chan struct{})
	go func() {
		feeders.Wait()
		close(feedersDone)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case amqpErr := <-closed:
		if amqpErr != nil {
			runErr = fmt.Errorf("rabbitmq connection closed: %w", amqpErr)
		}
	case <-feedersDone:
		if ctx.Err() == nil {
			runErr = errors.New("rabbitmq delivery channels closed")
		}
	}
	<-feedersDone
	close(jobs)
	workers.Wait()
	return runErr
}

// Handle decodes one delivery, routes it by queue and settles it with the broker.
func (c *Consumer) Handle(ctx context.Context, queue string, d amqp.Delivery) Disposition {
	// Processing uses its own deadline so shutdown does not abort half-written events.
	eventCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.worker.EventTimeout())
	defer cancel()

	err := c.process(eventCtx, queue, d.Body)
	disposition := DispositionFor(err)

	fields := []zap.Field{
		zap.String("queue", queue),
		zap.String("delivery_id", d.MessageId),
		zap.Bool("redelivered", d.Redelivered),
	}
	var settleErr error
	switch disposition {
	case DispositionAck:
		settleErr = d.Ack(false)
	case DispositionDrop:
		c.logger.Warn("dropping event", append(fields, zap.Error(err))...)
		settleErr = d.Nack(false, false)
	case DispositionRequeue:
		c.logger.Warn("requeueing event", append(fields, zap.Error(err))...)
		if c.requeueDelay > 0 {
			// Slows a hot loop while a backend is down.
			timer := time.NewTimer(c.requeueDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
		}
		settleErr = d.Nack(false, true)
	}
	if settleErr != nil {
		c.logger.Error("settle delivery failed", append(fields, zap.String("disposition", string(disposition)), zap.Error(settleErr))...)
	}
	c.metrics.RecordDelivery(queue, string(disposition))
	return disposition
}

func (c *Consumer) process(ctx context.Context, queue string, body []byte) error {
	switch queue {
	case c.cfg.InboundQueue:
		evt, err := events.DecodeInbound(body)
		if err != nil {
			return err
		}
		result, err := c.inbound.HandleInbound(ctx, evt)
		if err != nil {
			return err
		}
		if result.Duplicate {
			c.logger.Debug("duplicate inbound event", zap.String("message_id", evt.MessageKey.ID))
		}
		return nil
	case c.cfg.StatusQueue:
		evt, err := events.DecodeStatus(body)
		if err != nil {
			return err
		}
		return c.acks.HandleAck(ctx, evt)
	default:
		return apperrors.NewValidationError("delivery from unknown queue", map[string]any{"queue": queue})
	}
}
