package outbox

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Header keys attached to every published message.
const (
	HeaderEventType   = "x-event-type"
	HeaderAggregateID = "x-aggregate-id"
	HeaderTraceID     = "x-trace-id"
)

// Envelope is an encoded event together with the metadata routed as headers.
type Envelope struct {
	Type        string
	AggregateID string
	Payload     []byte
}

// Headers returns the broker headers describing the envelope.
func (e Envelope) Headers() map[string]string {
	return map[string]string{
		HeaderEventType:   e.Type,
		HeaderAggregateID: e.AggregateID,
	}
}

// Publisher sends envelopes straight to a sink, bypassing the outbox table.
type Publisher struct {
	sink  Sink
	topic string
}

// NewPublisher builds a Publisher that sends every envelope to topic.
func NewPublisher(sink Sink, topic string) *Publisher {
	return &Publisher{sink: sink, topic: topic}
}

// Publish is a no-op when no sink is configured.
func (p *Publisher) Publish(ctx context.Context, env Envelope) error {
	if p == nil || p.sink == nil {
		return nil
	}
	headers := env.Headers()
	headers[HeaderTraceID] = TraceIDFromContext(ctx)
	return p.sink.Send(ctx, Message{Topic: p.topic, Payload: env.Payload, Headers: headers})
}

// TraceIDFromContext returns the active trace id or "".
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
