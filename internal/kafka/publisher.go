package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-equipment-reservations/internal/reservations"
)

const envelopeVersion = 1

// Writer is satisfied by *Producer.
type Writer interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error
}

// EventPublisher wraps reservation events in an Envelope and routes them to
// their topic, keyed by reservation id.
type EventPublisher struct {
	w       Writer
	service string
	// TraceID extracts a request id from ctx; optional.
	TraceID func(ctx context.Context) string
}

func NewEventPublisher(w Writer, service string) *EventPublisher {
	return &EventPublisher{w: w, service: service}
}

func (p *EventPublisher) Publish(ctx context.Context, ev reservations.Event) error {
	payload, err := json.Marshal(ev.Payload())
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", ev.Type, err)
	}
	env := reservations.Envelope{
		EventID:       uuid.NewString(),
		EventType:     ev.Type,
		EventVersion:  envelopeVersion,
		OccurredAt:    ev.OccurredAt.UTC(),
		Producer:      p.service,
		CorrelationID: ev.Reservation.ID,
		Payload:       payload,
	}
	if p.TraceID != nil {
		env.TraceID = p.TraceID(ctx)
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return p.w.Publish(ctx,
		reservations.TopicFor(ev.Type),
		reservations.PartitionKey(ev.Reservation.ID),
		value,
		kafka.Header{Key: "x-event-type", Value: []byte(ev.Type)},
		kafka.Header{Key: "x-event-version", Value: []byte(strconv.Itoa(envelopeVersion))},
	)
}

var _ reservations.Publisher = (*EventPublisher)(nil)
