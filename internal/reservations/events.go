package reservations

import (
	"encoding/json"
	"time"
)

const (
	EventReservationCreated  = "ReservationCreated"
	EventTeacherApproved     = "ReservationTeacherApproved"
	EventReservationApproved = "ReservationApproved"
	EventReservationRejected = "ReservationRejected"
	EventReservationReturned = "ReservationReturned"
	EventReservationDeleted  = "ReservationDeleted"
	EventLateReturnRecorded  = "LateReturnRecorded"
)

// Event is emitted by the workflow after a transition commits.
type Event struct {
	Type        string
	Reservation Reservation
	OccurredAt  time.Time
	ActorID     string
}

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // reservation id
	Payload       json.RawMessage `json:"payload"`
}

type ReservationPayload struct {
	ReservationID string    `json:"reservation_id"`
	Status        Status    `json:"status"`
	RequesterID   string    `json:"requester_id"`
	ActorID       string    `json:"actor_id,omitempty"`
	Lines         []Line    `json:"lines"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
}

type LateReturnPayload struct {
	ReservationID string    `json:"reservation_id"`
	RequesterID   string    `json:"requester_id"`
	DaysLate      int       `json:"days_late"`
	HoursLate     int       `json:"hours_late"`
	ReturnedAt    time.Time `json:"returned_at"`
}

// Payload builds the wire payload for ev.
func (ev Event) Payload() any {
	r := ev.Reservation
	if ev.Type == EventLateReturnRecorded {
		p := LateReturnPayload{
			ReservationID: r.ID,
			RequesterID:   r.Requester.ID,
			DaysLate:      r.DaysLate,
			HoursLate:     r.HoursLate,
		}
		if r.ReturnedAt != nil {
			p.ReturnedAt = *r.ReturnedAt
		}
		return p
	}
	return ReservationPayload{
		ReservationID: r.ID,
		Status:        r.Status,
		RequesterID:   r.Requester.ID,
		ActorID:       ev.ActorID,
		Lines:         r.Lines,
		WindowStart:   r.WindowStart,
		WindowEnd:     r.WindowEnd,
	}
}
