package outbox

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is a serialized event bound for a broker topic.
type Message struct {
	Topic   string
	Payload []byte
	Headers map[string]string
}

// Sink delivers messages to a broker.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

type natsConn interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSSink publishes each message on the subject named by its topic.
type NATSSink struct {
	conn natsConn
}

func NewNATSSink(conn *nats.Conn) *NATSSink {
	return &NATSSink{conn: conn}
}

func (s *NATSSink) Send(_ context.Context, msg Message) error {
	out := nats.NewMsg(msg.Topic)
	out.Data = msg.Payload
	for k, v := range msg.Headers {
		if v != "" {
			out.Header.Set(k, v)
		}
	}
	if err := s.conn.PublishMsg(out); err != nil {
		return fmt.Errorf("nats publish %s: %w", msg.Topic, err)
	}
	return nil
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes to a RabbitMQ topic exchange using the message topic as
// routing key.
type AMQPSink struct {
	ch       amqpChannel
	exchange string
}

// NewAMQPSink opens a channel on conn and declares a durable topic exchange.
func NewAMQPSink(conn *amqp.Connection, exchange string) (*AMQPSink, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPSink{ch: ch, exchange: exchange}, nil
}

func (s *AMQPSink) Send(ctx context.Context, msg Message) error {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		if v != "" {
			headers[k] = v
		}
	}
	err := s.ch.PublishWithContext(ctx, s.exchange, msg.Topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         msg.Payload,
	})
	if err != nil {
		return fmt.Errorf("amqp publish %s: %w", msg.Topic, err)
	}
	return nil
}
