package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Publisher is the part of *amqp091.Channel the sink uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// deliveryNamespace derives stable AMQP message ids from event ids so
// consumers can drop redelivered events.
var deliveryNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("khata:events"))

// AMQPSink publishes events to a RabbitMQ exchange.
type AMQPSink struct {
	Publisher  Publisher
	Exchange   string
	RoutingKey string
	Log        zerolog.Logger

	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// DialAMQP connects, declares a durable direct exchange and, when queue is
// set, a durable queue bound to routingKey.
func DialAMQP(url, exchange, routingKey, queue string, log zerolog.Logger) (*AMQPSink, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	if queue != "" {
		q, err := channel.QueueDeclare(queue, true, false, false, false, nil)
		if err != nil {
			channel.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to declare queue: %w", err)
		}
		if err := channel.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			channel.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to bind queue: %w", err)
		}
	}
	log.Info().Str("exchange", exchange).Str("queue", queue).Str("routing_key", routingKey).Msg("connected to RabbitMQ")
	return &AMQPSink{
		Publisher:  channel,
		Exchange:   exchange,
		RoutingKey: routingKey,
		Log:        log,
		conn:       conn,
		channel:    channel,
	}, nil
}

func (s *AMQPSink) Name() string { return "amqp:" + s.Exchange }

func (s *AMQPSink) Accepts(string) bool { return true }

func (s *AMQPSink) Deliver(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = s.Publisher.PublishWithContext(publishCtx, s.Exchange, s.RoutingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		Type:         msg.Type,
		MessageId:    uuid.NewSHA1(deliveryNamespace, []byte(fmt.Sprintf("%d", msg.ID))).String(),
		Body:         body,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (s *AMQPSink) Close() error {
	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			s.Log.Error().Err(err).Msg("failed to close RabbitMQ channel")
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.Log.Error().Err(err).Msg("failed to close RabbitMQ connection")
		}
	}
	return nil
}
