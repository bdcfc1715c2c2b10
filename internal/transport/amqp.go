// Package transport moves WhatsApp events over RabbitMQ: outbound delivery,
// hand-off to the conversation pipeline, and inbound consumption.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"recruiter-outreach-scheduler/internal/models"
)

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher implements message delivery and the conversation pipeline hand-off.
type Publisher struct {
	conn          *amqp.Connection
	ch            channel
	mu            sync.Mutex
	exchange      string
	pipelineQueue string
}

// Dial connects to the broker and declares the outbound exchange and the pipeline queue.
func Dial(url, exchange, pipelineQueue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if _, err := ch.QueueDeclare(
		pipelineQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", pipelineQueue, err)
	}
	return &Publisher{conn: conn, ch: ch, exchange: exchange, pipelineQueue: pipelineQueue}, nil
}

func newPublisher(ch channel, exchange, pipelineQueue string) *Publisher {
	return &Publisher{ch: ch, exchange: exchange, pipelineQueue: pipelineQueue}
}

// Close shuts the broker connection.
func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

// Deliver publishes a rendered outbound event to the WhatsApp gateway exchange.
func (p *Publisher) Deliver(ctx context.Context, ev models.Event, routingKey string) error {
	return p.publish(ctx, p.exchange, routingKey, ev)
}

// HandleInbound hands a coalesced inbound event to the conversation pipeline queue.
func (p *Publisher) HandleInbound(ctx context.Context, ev models.Event) error {
	return p.publish(ctx, "", p.pipelineQueue, ev)
}

func (p *Publisher) publish(ctx context.Context, exchange, key string, ev models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.Publish(exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.MID,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s/%s: %w", exchange, key, err)
	}
	return nil
}

// HandlerFunc processes one inbound event.
type HandlerFunc func(ctx context.Context, ev models.Event) error

// Consumer reads inbound WhatsApp events from a queue.
type Consumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	log   zerolog.Logger
}

// NewConsumer connects to the broker and declares the inbound queue.
func NewConsumer(url, queue string, log zerolog.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &Consumer{conn: conn, ch: ch, queue: queue, log: log.With().Str("queue", queue).Logger()}, nil
}

// Close shuts the broker connection.
func (c *Consumer) Close() error {
	return c.conn.Close()
}

// Run consumes until ctx is cancelled or the broker closes the channel.
func (c *Consumer) Run(ctx context.Context, handle HandlerFunc) error {
	msgs, err := c.ch.Consume(
		c.queue,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}
	return consume(ctx, msgs, handle, c.log)
}

func consume(ctx context.Context, msgs <-chan amqp.Delivery, handle HandlerFunc, log zerolog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("amqp delivery channel closed")
			}
			var ev models.Event
			if err := json.Unmarshal(d.Body, &ev); err != nil {
				log.Warn().Err(err).Msg("invalid inbound event, dropping")
				_ = d.Ack(false)
				continue
			}
			if err := handle(ctx, ev); err != nil {
				log.Error().Err(err).Str("mid", ev.MID).Int64("sender_id", ev.SenderID).Msg("inbound event failed")
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}
