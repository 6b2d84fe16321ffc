package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"
)

const DefaultOutcomeQueue = "dialer_outcomes"

// Consumer reads call outcomes from a durable AMQP queue.
//
// Deliveries are acknowledged by hand. A payload that can never apply is
// acked and dropped. Any other failure is requeued once; a redelivered
// message that fails again is dropped and logged, and the periodic sweep
// recovers whatever state it would have produced.
type Consumer struct {
	Conn     *amqp.Connection
	Queue    string
	Prefetch int
	Apply    OutcomeFunc
	Log      *slog.Logger
}

func DialConsumer(url, queue string, apply OutcomeFunc) (*Consumer, error) {
	if url == "" {
		return nil, errors.New("amqp url is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	if queue == "" {
		queue = DefaultOutcomeQueue
	}
	return &Consumer{Conn: conn, Queue: queue, Prefetch: 16, Apply: apply, Log: slog.Default()}, nil
}

func (c *Consumer) Close() error {
	if c.Conn == nil {
		return nil
	}
	return c.Conn.Close()
}

// Run consumes until ctx is done or the broker closes the channel.
func (c *Consumer) Run(ctx context.Context) error {
	if c.Conn == nil || c.Apply == nil {
		return errors.New("dialer: consumer not configured")
	}
	ch, err := c.Conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(
		c.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("amqp declare %s: %w", c.Queue, err)
	}
	if c.Prefetch > 0 {
		if err := ch.Qos(c.Prefetch, 0, false); err != nil {
			return fmt.Errorf("amqp qos: %w", err)
		}
	}
	msgs, err := ch.Consume(
		q.Name,
		"",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}

	c.log().Info("dialer outcome consumer running", "queue", q.Name)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("amqp: delivery channel closed")
			}
			c.Handle(ctx, d)
		}
	}
}

// Handle applies one delivery and settles it.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) {
	log := c.log().With("delivery_tag", d.DeliveryTag)

	rec, err := DecodeOutcome(d.Body)
	if err == nil {
		err = c.Apply(ctx, rec)
		log = log.With("queue_item_id", rec.QueueItemID)
	}

	switch {
	case err == nil:
		c.settle(log, d.Ack(false))
	case permanent(err):
		log.Error("dropping dialer outcome", "err", err)
		c.settle(log, d.Ack(false))
	case d.Redelivered:
		log.Error("dialer outcome failed after redelivery, dropping", "err", err)
		c.settle(log, d.Ack(false))
	default:
		log.Warn("dialer outcome failed, requeueing", "err", err)
		c.settle(log, d.Nack(false, true))
	}
}

func (c *Consumer) settle(log *slog.Logger, err error) {
	if err != nil {
		log.Error("amqp settle failed", "err", err)
	}
}

func (c *Consumer) log() *slog.Logger {
	if c.Log == nil {
		return slog.Default()
	}
	return c.Log
}
