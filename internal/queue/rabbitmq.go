package queue

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/docchat/api/internal/model"
)

const headerRequestType = "requestType"

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitPublisher publishes jobs to a topic exchange, routed by request type.
type RabbitPublisher struct {
	channel  amqpPublisher
	exchange string
}

func NewRabbitPublisher(conn *amqp.Connection, exchange string) (*RabbitPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true, // durable
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, err
	}

	return &RabbitPublisher{channel: ch, exchange: exchange}, nil
}

func (p *RabbitPublisher) Enqueue(ctx context.Context, msg *model.JobMessage) error {
	r, err := routeFor(msg.RequestType)
	if err != nil {
		return err
	}
	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}

	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		r.routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     ulid.Make().String(),
			CorrelationId: msg.RequestID,
			Headers:       amqp.Table{headerRequestType: string(msg.RequestType)},
			Body:          body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	return nil
}

// RabbitConsumer consumes jobs one at a time from a durable queue bound to every job routing key.
type RabbitConsumer struct {
	channel  *amqp.Channel
	queue    string
	handler  Handler
	drop     DropFunc
	prefetch int
	log      zerolog.Logger
}

func NewRabbitConsumer(conn *amqp.Connection, exchange, queue string, prefetch int, h Handler, drop DropFunc, log zerolog.Logger) (*RabbitConsumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if prefetch <= 0 {
		prefetch = 1
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, err
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return nil, err
	}
	if err := ch.QueueBind(queue, "job.*", exchange, false, nil); err != nil {
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, err
	}

	return &RabbitConsumer{
		channel:  ch,
		queue:    queue,
		handler:  h,
		drop:     drop,
		prefetch: prefetch,
		log:      log.With().Str("component", "rabbit_consumer").Logger(),
	}, nil
}

// Start consumes until ctx is done or the channel closes.
func (c *RabbitConsumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("consumer shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				c.log.Warn().Msg("rabbitmq channel closed")
				return nil
			}
			handleDelivery(ctx, d, c.handler, c.drop, c.log)
		}
	}
}

func (c *RabbitConsumer) Close() error {
	return c.channel.Close()
}

// handleDelivery acks on success and drops malformed messages. A failure is
// requeued once; a failure during shutdown is always requeued. Before a
// redelivered message is discarded, drop closes out its job.
func handleDelivery(ctx context.Context, d amqp.Delivery, h Handler, drop DropFunc, log zerolog.Logger) {
	msg, err := model.DecodeJobMessage(d.Body)
	if err != nil {
		log.Error().Err(err).Str("message_id", d.MessageId).Msg("dropping malformed job message")
		_ = d.Nack(false, false)
		return
	}

	err = h(ctx, msg)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	requeue := !d.Redelivered || ctx.Err() != nil
	if !requeue && drop != nil {
		if derr := drop(ctx, msg, err); derr != nil {
			log.Error().Err(derr).Str("request_id", msg.RequestID).Msg("failed to close out job, keeping message")
			requeue = true
		}
	}
	log.Error().Err(err).
		Str("request_id", msg.RequestID).
		Bool("requeue", requeue).
		Msg("job handler failed")
	_ = d.Nack(false, requeue)
}
