package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

type recordingSink struct{ msgs []Message }

func (r *recordingSink) Send(_ context.Context, msg Message) error {
	r.msgs = append(r.msgs, msg)
	return nil
}

func TestPublisherSendsEnvelope(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(sink, "carpool.events")
	env := Envelope{Type: "RideOfferCreated", AggregateID: "offer-1", Payload: []byte(`{"id":"offer-1"}`)}
	require.NoError(t, p.Publish(context.Background(), env))

	require.Len(t, sink.msgs, 1)
	msg := sink.msgs[0]
	require.Equal(t, "carpool.events", msg.Topic)
	require.Equal(t, env.Payload, msg.Payload)
	require.Equal(t, "RideOfferCreated", msg.Headers[HeaderEventType])
	require.Equal(t, "offer-1", msg.Headers[HeaderAggregateID])
	require.Contains(t, msg.Headers, HeaderTraceID)

	var nilPublisher *Publisher
	require.NoError(t, nilPublisher.Publish(context.Background(), env))
	require.NoError(t, NewPublisher(nil, "carpool.events").Publish(context.Background(), env))
}

type fakeNATS struct {
	msgs []*nats.Msg
	err  error
}

func (f *fakeNATS) PublishMsg(msg *nats.Msg) error {
	f.msgs = append(f.msgs, msg)
	return f.err
}

func TestNATSSink(t *testing.T) {
	conn := &fakeNATS{}
	sink := &NATSSink{conn: conn}
	err := sink.Send(context.Background(), Message{
		Topic:   "carpool.events",
		Payload: []byte(`{}`),
		Headers: map[string]string{"traceparent": "00-abc-def-01", "x-trace-id": ""},
	})
	require.NoError(t, err)
	require.Len(t, conn.msgs, 1)
	require.Equal(t, "carpool.events", conn.msgs[0].Subject)
	require.Equal(t, "00-abc-def-01", conn.msgs[0].Header.Get("traceparent"))
	require.Empty(t, conn.msgs[0].Header.Values("x-trace-id"))

	conn.err = errors.New("down")
	require.Error(t, sink.Send(context.Background(), Message{Topic: "carpool.events"}))
}

type fakeChannel struct {
	exchange, key string
	msg           amqp.Publishing
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func TestAMQPSink(t *testing.T) {
	ch := &fakeChannel{}
	sink := &AMQPSink{ch: ch, exchange: "carpool"}
	require.NoError(t, sink.Send(context.Background(), Message{
		Topic:   "carpool.events",
		Payload: []byte(`{"a":1}`),
		Headers: map[string]string{"x-event-type": "RideRequestCreated"},
	}))
	require.Equal(t, "carpool", ch.exchange)
	require.Equal(t, "carpool.events", ch.key)
	require.Equal(t, []byte(`{"a":1}`), ch.msg.Body)
	require.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	require.Equal(t, "RideRequestCreated", ch.msg.Headers["x-event-type"])
}
