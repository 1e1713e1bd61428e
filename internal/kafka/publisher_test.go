package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-equipment-reservations/internal/reservations"
)

type sent struct {
	topic   string
	key     []byte
	value   []byte
	headers []kafka.Header
}

type fakeWriter struct{ msgs []sent }

func (f *fakeWriter) Publish(_ context.Context, topic string, key, value []byte, headers ...kafka.Header) error {
	f.msgs = append(f.msgs, sent{topic, key, value, headers})
	return nil
}

type traceKey struct{}

func TestEventPublisher_Lifecycle(t *testing.T) {
	w := &fakeWriter{}
	p := NewEventPublisher(w, "equipment-api")
	p.TraceID = func(ctx context.Context) string {
		s, _ := ctx.Value(traceKey{}).(string)
		return s
	}
	when := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ctx := context.WithValue(context.Background(), traceKey{}, "req-42")

	err := p.Publish(ctx, reservations.Event{
		Type:       reservations.EventReservationApproved,
		OccurredAt: when,
		ActorID:    "lab-1",
		Reservation: reservations.Reservation{
			ID:        "r-1",
			Status:    reservations.StatusApproved,
			Requester: reservations.Requester{ID: "stu-1"},
			Lines:     []reservations.Line{{ItemID: "scope", Quantity: 2}},
		},
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)

	m := w.msgs[0]
	assert.Equal(t, reservations.TopicReservationLifecycle, m.topic)
	assert.Equal(t, []byte("r-1"), m.key)
	assert.Equal(t, kafka.Header{Key: "x-event-type", Value: []byte(reservations.EventReservationApproved)}, m.headers[0])

	env, err := DecodeEnvelope(m.value)
	require.NoError(t, err)
	assert.Equal(t, reservations.EventReservationApproved, env.EventType)
	assert.Equal(t, "r-1", env.CorrelationID)
	assert.Equal(t, "req-42", env.TraceID)
	assert.Equal(t, "equipment-api", env.Producer)
	assert.NotEmpty(t, env.EventID)

	payload, err := UnwrapPayload[reservations.ReservationPayload](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, "lab-1", payload.ActorID)
	assert.Equal(t, reservations.StatusApproved, payload.Status)
	assert.Equal(t, []reservations.Line{{ItemID: "scope", Quantity: 2}}, payload.Lines)
}

func TestEventPublisher_LateReturnTopic(t *testing.T) {
	w := &fakeWriter{}
	p := NewEventPublisher(w, "equipment-api")
	returned := time.Date(2026, 3, 12, 10, 0, 0, 0, time.UTC)

	require.NoError(t, p.Publish(context.Background(), reservations.Event{
		Type:       reservations.EventLateReturnRecorded,
		OccurredAt: returned,
		Reservation: reservations.Reservation{
			ID:         "r-2",
			Requester:  reservations.Requester{ID: "stu-1"},
			ReturnedAt: &returned,
			IsLate:     true,
			DaysLate:   2,
			HoursLate:  41,
		},
	}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, reservations.TopicLateReturns, w.msgs[0].topic)

	env, err := DecodeEnvelope(w.msgs[0].value)
	require.NoError(t, err)
	late, err := UnwrapPayload[reservations.LateReturnPayload](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, 2, late.DaysLate)
	assert.Equal(t, 41, late.HoursLate)
	assert.Equal(t, returned, late.ReturnedAt)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope([]byte("not json"))
	assert.Error(t, err)
}
