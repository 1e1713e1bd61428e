package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/go-equipment-reservations/internal/kafka"
	"github.com/ariefcatur/go-equipment-reservations/internal/redisx"
	"github.com/ariefcatur/go-equipment-reservations/internal/reservations"
)

// Notification is one message addressed to a requester.
type Notification struct {
	RecipientID   string
	ReservationID string
	EventType     string
	Subject       string
	Body          string
}

type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender writes notifications to the log. It stands in for a mail or push
// gateway.
type LogSender struct{ Log *zap.Logger }

func (s LogSender) Send(_ context.Context, n Notification) error {
	s.Log.Info("notification",
		zap.String("recipient_id", n.RecipientID),
		zap.String("reservation_id", n.ReservationID),
		zap.String("event_type", n.EventType),
		zap.String("subject", n.Subject),
		zap.String("body", n.Body))
	return nil
}

type Service struct {
	Redis       redis.Cmdable
	Sender      Sender
	Log         *zap.Logger
	ServiceName string
}

// HandleMessage is installed as the consumer handler. Each event id is
// processed at most once across redeliveries; a failed send releases the
// claim so the next delivery retries.
func (s *Service) HandleMessage(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.DecodeEnvelope(m.Value)
	if err != nil {
		s.Log.Warn("dropping undecodable message", zap.String("topic", m.Topic), zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}

	n, ok, err := build(env)
	if err != nil {
		s.Log.Warn("dropping bad payload", zap.String("event_id", env.EventID), zap.String("event_type", env.EventType), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}

	dkey := fmt.Sprintf(redisx.KeyDedup, s.ServiceName, env.EventID)
	fresh, err := redisx.Claim(ctx, s.Redis, dkey, redisx.TTLDedup)
	if err != nil {
		return fmt.Errorf("dedup claim: %w", err)
	}
	if !fresh {
		s.Log.Debug("duplicate event skipped", zap.String("event_id", env.EventID))
		return nil
	}

	if err := s.Sender.Send(ctx, n); err != nil {
		_ = s.Redis.Del(ctx, dkey).Err()
		return fmt.Errorf("send %s for %s: %w", env.EventType, env.CorrelationID, err)
	}
	return nil
}

// build maps an event to the requester notification. ok is false for events
// that do not notify anyone.
func build(env reservations.Envelope) (Notification, bool, error) {
	if env.EventType == reservations.EventLateReturnRecorded {
		p, err := kafkax.UnwrapPayload[reservations.LateReturnPayload](env.Payload)
		if err != nil {
			return Notification{}, false, err
		}
		return Notification{
			RecipientID:   p.RequesterID,
			ReservationID: p.ReservationID,
			EventType:     env.EventType,
			Subject:       "Late return recorded",
			Body:          fmt.Sprintf("Request %s was returned %d day(s) (%d hours) late.", p.ReservationID, p.DaysLate, p.HoursLate),
		}, true, nil
	}

	subject, ok := subjects[env.EventType]
	if !ok {
		return Notification{}, false, nil
	}
	p, err := kafkax.UnwrapPayload[reservations.ReservationPayload](env.Payload)
	if err != nil {
		return Notification{}, false, err
	}
	return Notification{
		RecipientID:   p.RequesterID,
		ReservationID: p.ReservationID,
		EventType:     env.EventType,
		Subject:       subject,
		Body: fmt.Sprintf("Request %s for %s to %s is now %s.",
			p.ReservationID, p.WindowStart.Format("2006-01-02 15:04"), p.WindowEnd.Format("2006-01-02 15:04"), p.Status),
	}, true, nil
}

var subjects = map[string]string{
	reservations.EventReservationCreated:  "Request submitted",
	reservations.EventTeacherApproved:     "Approved by teacher",
	reservations.EventReservationApproved: "Ready for pickup",
	reservations.EventReservationRejected: "Request rejected",
	reservations.EventReservationReturned: "Return confirmed",
}
