// Package consumer reads MinIO bucket notifications from a RabbitMQ queue
// and feeds them to the same handler as queued tasks.
package consumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/dunamismax/thumbdata/internal/domain"
	"github.com/dunamismax/thumbdata/internal/notify"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	URL      string
	Queue    string
	Prefetch int
}

type EventHandler interface {
	Handle(ctx context.Context, evt domain.ObjectEvent) error
}

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

type AMQPConsumer struct {
	cfg     Config
	handler EventHandler
	logger  zerolog.Logger
}

func NewAMQPConsumer(cfg Config, handler EventHandler, logger zerolog.Logger) (*AMQPConsumer, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	if cfg.Queue == "" {
		return nil, errors.New("amqp queue is required")
	}
	if handler == nil {
		return nil, errors.New("event handler is required")
	}
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}
	return &AMQPConsumer{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With().Str("component", "amqp_consumer").Str("queue", cfg.Queue).Logger(),
	}, nil
}

// Run consumes until ctx is cancelled or the broker closes the channel.
// In-flight deliveries finish before Run returns.
func (c *AMQPConsumer) Run(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial amqp broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open amqp channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set amqp prefetch: %w", err)
	}

	if _, err := ch.QueueDeclare(
		c.cfg.Queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare amqp queue: %w", err)
	}

	msgs, err := ch.Consume(
		c.cfg.Queue,
		"thumbdata-worker",
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume amqp queue: %w", err)
	}

	c.logger.Info().Int("prefetch", c.cfg.Prefetch).Msg("consuming bucket notifications")

	var g errgroup.Group
	g.SetLimit(c.cfg.Prefetch)
	defer g.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			g.Go(func() error {
				c.handleDelivery(ctx, msg.Body, msg.Redelivered, msg)
				return nil
			})
		}
	}
}

// handleDelivery settles one message. Malformed and permanently failing
// notifications are dropped (dead-lettered when the queue has a DLX);
// transient failures are requeued once.
func (c *AMQPConsumer) handleDelivery(ctx context.Context, body []byte, redelivered bool, ack acknowledger) {
	events, err := notify.ParseMinIO(body, domain.TriggerAMQP)
	if err != nil {
		c.logger.Error().Err(err).Bytes("body", truncate(body, 512)).Msg("dropping malformed notification")
		c.settle(ack, false, false)
		return
	}

	for _, evt := range events {
		if err := c.handler.Handle(ctx, evt); err != nil {
			requeue := domain.Retriable(err) && !redelivered
			c.logger.Error().
				Err(err).
				Str("bucket", evt.Bucket).
				Str("object", evt.Name).
				Bool("requeue", requeue).
				Msg("notification failed")
			c.settle(ack, false, requeue)
			return
		}
	}
	c.settle(ack, true, false)
}

func (c *AMQPConsumer) settle(ack acknowledger, ok, requeue bool) {
	var err error
	if ok {
		err = ack.Ack(false)
	} else {
		err = ack.Nack(false, requeue)
	}
	if err != nil {
		c.logger.Error().Err(err).Bool("ack", ok).Msg("settle delivery failed")
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
