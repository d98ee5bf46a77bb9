package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/carpool/internal/carpool/domain"
	outboxpkg "github.com/example/carpool/pkg/outbox"
)

type envelopePublisher interface {
	Publish(ctx context.Context, env outboxpkg.Envelope) error
}

// eventPublisher encodes domain events for the broker publisher.
type eventPublisher struct {
	publisher envelopePublisher
}

func (e eventPublisher) Publish(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return e.publisher.Publish(ctx, outboxpkg.Envelope{
		Type:        string(event.Type),
		AggregateID: event.AggregateID.String(),
		Payload:     payload,
	})
}
