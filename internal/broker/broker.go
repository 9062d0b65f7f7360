// Package broker carries canonical messages between gateway instances.
// Each instance owns a disjoint set of live connections; after a message
// is persisted, the bus hands it to every other instance so their local
// room members see it too. Ordering still comes from the store-assigned
// sequence, never from bus delivery order.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/triplore/tripchat/internal/types"
)

const originHeader = "x-tripchat-origin"

type Bus interface {
	Publish(ctx context.Context, msg types.Message) error
	// Subscribe registers the handler for messages published by other
	// instances. Frames this instance published itself are skipped.
	Subscribe(handler func(types.Message)) error
	Close() error
}

// NewBus connects to RabbitMQ, or degrades to a single-instance noop bus
// when no AMQP URL is configured.
func NewBus(logger *log.Logger, amqpURL, exchange, instanceId string) Bus {
	if amqpURL == "" {
		logger.Println("amqp disabled, running single-instance")
		return noopBus{}
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		logger.Printf("amqp dial failed, running single-instance: %v", err)
		return noopBus{}
	}

	ch, err := conn.Channel()
	if err != nil {
		logger.Printf("amqp channel failed, running single-instance: %v", err)
		_ = conn.Close()
		return noopBus{}
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		logger.Printf("amqp exchange declare failed, running single-instance: %v", err)
		_ = ch.Close()
		_ = conn.Close()
		return noopBus{}
	}

	logger.Printf("amqp connected, exchange %q instance %q", exchange, instanceId)
	return &amqpBus{
		log:        logger,
		conn:       conn,
		ch:         ch,
		exchange:   exchange,
		instanceId: instanceId,
	}
}

type amqpBus struct {
	log        *log.Logger
	conn       *amqp.Connection
	ch         *amqp.Channel
	exchange   string
	instanceId string
}

func (b *amqpBus) Publish(ctx context.Context, msg types.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return b.ch.PublishWithContext(ctx, b.exchange, "room."+msg.RoomId, false, false, amqp.Publishing{
		ContentType: "application/json",
		Headers:     amqp.Table{originHeader: b.instanceId},
		Body:        body,
	})
}

func (b *amqpBus) Subscribe(handler func(types.Message)) error {
	// exclusive per-instance queue; dropped with the connection
	q, err := b.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}

	if err := b.ch.QueueBind(q.Name, "room.#", b.exchange, false, nil); err != nil {
		return fmt.Errorf("queue bind: %w", err)
	}

	deliveries, err := b.ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	go func() {
		for d := range deliveries {
			if origin, ok := d.Headers[originHeader].(string); ok && origin == b.instanceId {
				continue
			}

			var msg types.Message
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				b.log.Printf("bus: dropping malformed frame: %v", err)
				continue
			}
			handler(msg)
		}
	}()

	return nil
}

func (b *amqpBus) Close() error {
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

type noopBus struct{}

func (noopBus) Publish(context.Context, types.Message) error { return nil }
func (noopBus) Subscribe(func(types.Message)) error          { return nil }
func (noopBus) Close() error                                 { return nil }
