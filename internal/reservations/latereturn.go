package reservations

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const day = 24 * time.Hour

// Lateness is the outcome of comparing a return instant to the window end.
type Lateness struct {
	IsLate    bool
	DaysLate  int
	HoursLate int
}

// LateTracker derives lateness at return time and keeps the per-user late
// return counter.
type LateTracker struct {
	log *zap.Logger
}

func NewLateTracker(log *zap.Logger) *LateTracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &LateTracker{log: log}
}

// Assess never fails: a missing window end is logged and treated as on time.
func (t *LateTracker) Assess(reservationID string, windowEnd, returnedAt time.Time) Lateness {
	if windowEnd.IsZero() {
		t.log.Warn("reservation has no window end, treating return as on time",
			zap.String("reservation_id", reservationID))
		return Lateness{}
	}
	if !returnedAt.After(windowEnd) {
		return Lateness{}
	}
	over := returnedAt.Sub(windowEnd)
	return Lateness{
		IsLate:    true,
		DaysLate:  ceilDiv(over, day),
		HoursLate: ceilDiv(over, time.Hour),
	}
}

// Record stamps the return on r and, when it is late, bumps the requester's
// counter inside tx.
func (t *LateTracker) Record(ctx context.Context, tx Tx, r *Reservation, returnedAt time.Time) (Lateness, error) {
	l := t.Assess(r.ID, r.WindowEnd, returnedAt)
	at := returnedAt
	r.ReturnedAt = &at
	r.IsLate = l.IsLate
	r.DaysLate = l.DaysLate
	r.HoursLate = l.HoursLate
	if !l.IsLate {
		return l, nil
	}
	if r.Requester.ID == "" {
		t.log.Warn("late return without requester id, counter not updated",
			zap.String("reservation_id", r.ID))
		return l, nil
	}
	stats, err := tx.IncrementLateReturns(ctx, r.Requester.ID, returnedAt)
	if err != nil {
		return l, fmt.Errorf("increment late returns for %s: %w", r.Requester.ID, err)
	}
	t.log.Info("late return recorded",
		zap.String("reservation_id", r.ID),
		zap.String("user_id", r.Requester.ID),
		zap.Int("days_late", l.DaysLate),
		zap.Int("late_return_count", stats.LateReturnCount))
	return l, nil
}

func ceilDiv(d, unit time.Duration) int {
	n := d / unit
	if d%unit != 0 {
		n++
	}
	return int(n)
}
