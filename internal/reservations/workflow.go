package reservations

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultMaxAttempts = 3

// CreateInput is a borrow request as submitted by a requester.
type CreateInput struct {
	Lines       []Line
	WindowStart time.Time
	WindowEnd   time.Time
	RequesterID string

	Purpose           string
	RoomNumber        string
	LabSection        string
	GroupMembers      []string
	AssignedTeacherID string
}

// Workflow drives reservations through approval, fulfilment and return.
type Workflow struct {
	store       Store
	engine      *Engine
	late        *LateTracker
	pub         Publisher
	log         *zap.Logger
	now         func() time.Time
	maxAttempts int
}

type Option func(*Workflow)

func WithPublisher(p Publisher) Option {
	return func(w *Workflow) {
		if p != nil {
			w.pub = p
		}
	}
}

// WithClock overrides the time source used for timestamps and lateness.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// WithMaxAttempts bounds how often a conflicting transaction is retried.
func WithMaxAttempts(n int) Option {
	return func(w *Workflow) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

func NewWorkflow(store Store, log *zap.Logger, opts ...Option) *Workflow {
	if log == nil {
		log = zap.NewNop()
	}
	w := &Workflow{
		store:       store,
		engine:      NewEngine(store, log),
		late:        NewLateTracker(log),
		pub:         nopPublisher{},
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
		maxAttempts: defaultMaxAttempts,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Engine exposes the availability engine sharing this workflow's store.
func (w *Workflow) Engine() *Engine { return w.engine }

// CreateRequest admits every line against current bookings and persists a
// new reservation awaiting teacher approval. Admission and insert happen in
// one transaction holding locks on all requested items, so concurrent
// requests for the same items are serialized.
func (w *Workflow) CreateRequest(ctx context.Context, in CreateInput) (Reservation, error) {
	lines, err := normalizeLines(in.Lines)
	if err != nil {
		return Reservation{}, err
	}
	if strings.TrimSpace(in.RequesterID) == "" {
		return Reservation{}, invalidf("requester id is required")
	}
	if err := validateWindow(lines[0].ItemID, lines[0].Quantity, in.WindowStart, in.WindowEnd); err != nil {
		return Reservation{}, err
	}

	itemIDs := lineItemIDs(lines)
	sort.Strings(itemIDs)

	var created Reservation
	err = w.inTx(ctx, "create request", func(tx Tx) error {
		if err := tx.LockItems(ctx, itemIDs); err != nil {
			return fmt.Errorf("lock items: %w", err)
		}
		for _, l := range lines {
			if _, err := w.engine.check(ctx, tx, l.ItemID, l.Quantity, in.WindowStart, in.WindowEnd, ""); err != nil {
				return err
			}
		}

		requester := Requester{ID: in.RequesterID}
		p, err := tx.GetProfile(ctx, in.RequesterID)
		switch {
		case err == nil:
			requester = Requester{ID: p.ID, Name: p.Name, Email: p.Email, Course: p.Course, Year: p.Year}
		case !errors.Is(err, ErrNoRows):
			return fmt.Errorf("get profile %s: %w", in.RequesterID, err)
		}

		now := w.now()
		r := Reservation{
			ID:                uuid.NewString(),
			RequestedAt:       now,
			WindowStart:       in.WindowStart,
			WindowEnd:         in.WindowEnd,
			Lines:             lines,
			Requester:         requester,
			Status:            StatusPendingTeacher,
			Purpose:           in.Purpose,
			RoomNumber:        in.RoomNumber,
			LabSection:        in.LabSection,
			GroupMembers:      append([]string(nil), in.GroupMembers...),
			AssignedTeacherID: in.AssignedTeacherID,
			UpdatedAt:         now,
		}
		created, err = tx.PutReservation(ctx, r)
		return err
	})
	if err != nil {
		return Reservation{}, err
	}

	w.log.Info("reservation created",
		zap.String("reservation_id", created.ID),
		zap.String("requester_id", created.Requester.ID),
		zap.Int("lines", len(created.Lines)))
	w.publish(ctx, Event{Type: EventReservationCreated, Reservation: created, OccurredAt: created.RequestedAt, ActorID: created.Requester.ID})
	return created, nil
}

// TeacherApprove moves a pending request to TeacherApproved.
func (w *Workflow) TeacherApprove(ctx context.Context, id, teacherID, teacherName string) (Reservation, error) {
	if strings.TrimSpace(teacherID) == "" {
		return Reservation{}, invalidf("teacher id is required")
	}
	r, err := w.transition(ctx, id, "teacher-approve", StatusTeacherApproved, func(_ Tx, r *Reservation, now time.Time) error {
		r.Teacher = &Approval{ByID: teacherID, ByName: teacherName, At: now}
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}
	w.publish(ctx, Event{Type: EventTeacherApproved, Reservation: r, OccurredAt: r.UpdatedAt, ActorID: teacherID})
	return r, nil
}

// LabApprove is the only point where inventory is committed: every line's
// item quantity is decremented, floored at zero.
func (w *Workflow) LabApprove(ctx context.Context, id, labAssistantID, labAssistantName string) (Reservation, error) {
	if strings.TrimSpace(labAssistantID) == "" {
		return Reservation{}, invalidf("lab assistant id is required")
	}
	r, err := w.transition(ctx, id, "lab-approve", StatusApproved, func(tx Tx, r *Reservation, now time.Time) error {
		r.LabAssistant = &Approval{ByID: labAssistantID, ByName: labAssistantName, At: now}
		if err := lockReservationItems(ctx, tx, *r); err != nil {
			return err
		}
		at := now
		for _, l := range r.Lines {
			_, err := tx.AdjustQuantity(ctx, l.ItemID, -l.Quantity, ItemMark{BorrowedBy: r.Requester.ID, BorrowedAt: &at, At: now})
			if errors.Is(err, ErrNoRows) {
				return itemNotFound(l.ItemID)
			}
			if err != nil {
				return fmt.Errorf("commit %d of item %s: %w", l.Quantity, l.ItemID, err)
			}
		}
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}
	w.publish(ctx, Event{Type: EventReservationApproved, Reservation: r, OccurredAt: r.UpdatedAt, ActorID: labAssistantID})
	return r, nil
}

// Reject is allowed from either pending state and has no inventory effect.
func (w *Workflow) Reject(ctx context.Context, id string) (Reservation, error) {
	r, err := w.transition(ctx, id, "reject", StatusRejected, func(Tx, *Reservation, time.Time) error { return nil })
	if err != nil {
		return Reservation{}, err
	}
	w.publish(ctx, Event{Type: EventReservationRejected, Reservation: r, OccurredAt: r.UpdatedAt})
	return r, nil
}

// Return releases the committed inventory and records lateness. Missing
// catalog items are skipped so an approved reservation can always be returned.
func (w *Workflow) Return(ctx context.Context, id string) (Reservation, error) {
	var late Lateness
	r, err := w.transition(ctx, id, "return", StatusReturned, func(tx Tx, r *Reservation, now time.Time) error {
		if err := lockReservationItems(ctx, tx, *r); err != nil {
			return err
		}
		at := now
		for _, l := range r.Lines {
			_, err := tx.AdjustQuantity(ctx, l.ItemID, l.Quantity, ItemMark{ReturnedAt: &at, At: now})
			if errors.Is(err, ErrNoRows) {
				w.log.Warn("returned item missing from catalog",
					zap.String("reservation_id", r.ID),
					zap.String("item_id", l.ItemID))
				continue
			}
			if err != nil {
				return fmt.Errorf("release %d of item %s: %w", l.Quantity, l.ItemID, err)
			}
		}
		var err error
		late, err = w.late.Record(ctx, tx, r, now)
		return err
	})
	if err != nil {
		return Reservation{}, err
	}
	w.publish(ctx, Event{Type: EventReservationReturned, Reservation: r, OccurredAt: r.UpdatedAt})
	if late.IsLate {
		w.publish(ctx, Event{Type: EventLateReturnRecorded, Reservation: r, OccurredAt: r.UpdatedAt})
	}
	return r, nil
}

// Delete removes a reservation that does not hold committed inventory.
// Approved reservations must go through Return instead.
func (w *Workflow) Delete(ctx context.Context, id string) (Reservation, error) {
	var deleted Reservation
	err := w.inTx(ctx, "delete", func(tx Tx) error {
		r, err := tx.LockReservation(ctx, id)
		if errors.Is(err, ErrNoRows) {
			return reservationNotFound(id)
		}
		if err != nil {
			return fmt.Errorf("lock reservation %s: %w", id, err)
		}
		if r.Status == StatusApproved {
			return invalidTransition(r, "delete")
		}
		if err := tx.DeleteReservation(ctx, id); err != nil {
			return fmt.Errorf("delete reservation %s: %w", id, err)
		}
		deleted = r
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}
	w.log.Info("reservation deleted", zap.String("reservation_id", id), zap.String("status", string(deleted.Status)))
	w.publish(ctx, Event{Type: EventReservationDeleted, Reservation: deleted, OccurredAt: w.now()})
	return deleted, nil
}

func (w *Workflow) GetByID(ctx context.Context, id string) (Reservation, error) {
	var r Reservation
	err := w.store.View(ctx, func(tx Tx) error {
		var err error
		r, err = tx.GetReservation(ctx, id)
		if errors.Is(err, ErrNoRows) {
			return reservationNotFound(id)
		}
		return err
	})
	return r, err
}

func (w *Workflow) ListByStatus(ctx context.Context, status Status) ([]Reservation, error) {
	if !status.Valid() {
		return nil, invalidf("unknown status %q", status)
	}
	var out []Reservation
	err := w.store.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.QueryByStatus(ctx, status)
		return err
	})
	return out, err
}

func (w *Workflow) ListByRequester(ctx context.Context, userID string) ([]Reservation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, invalidf("user id is required")
	}
	var out []Reservation
	err := w.store.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.QueryByRequester(ctx, userID)
		return err
	})
	return out, err
}

func (w *Workflow) ListPendingTeacher(ctx context.Context) ([]Reservation, error) {
	return w.ListByStatus(ctx, StatusPendingTeacher)
}

func (w *Workflow) ListPendingLab(ctx context.Context) ([]Reservation, error) {
	return w.ListByStatus(ctx, StatusTeacherApproved)
}

// GetUserHistory returns the user's late-return counter together with every
// reservation they requested.
func (w *Workflow) GetUserHistory(ctx context.Context, userID string) (History, error) {
	if strings.TrimSpace(userID) == "" {
		return History{}, invalidf("user id is required")
	}
	h := History{LateStats: LateStats{UserID: userID}}
	err := w.store.View(ctx, func(tx Tx) error {
		stats, err := tx.GetLateStats(ctx, userID)
		switch {
		case err == nil:
			h.LateStats = stats
		case !errors.Is(err, ErrNoRows):
			return fmt.Errorf("get late stats %s: %w", userID, err)
		}
		h.Requests, err = tx.QueryByRequester(ctx, userID)
		return err
	})
	if err != nil {
		return History{}, err
	}
	h.TotalRequests = len(h.Requests)
	for _, r := range h.Requests {
		if r.IsLate {
			h.LateReturnsFromHistory++
		}
	}
	return h, nil
}

type applyFunc func(tx Tx, r *Reservation, now time.Time) error

func (w *Workflow) transition(ctx context.Context, id, op string, to Status, apply applyFunc) (Reservation, error) {
	if strings.TrimSpace(id) == "" {
		return Reservation{}, invalidf("reservation id is required")
	}
	var out Reservation
	err := w.inTx(ctx, op, func(tx Tx) error {
		r, err := tx.LockReservation(ctx, id)
		if errors.Is(err, ErrNoRows) {
			return reservationNotFound(id)
		}
		if err != nil {
			return fmt.Errorf("lock reservation %s: %w", id, err)
		}
		if !CanTransition(r.Status, to) {
			return invalidTransition(r, op)
		}
		now := w.now()
		if err := apply(tx, &r, now); err != nil {
			return err
		}
		r.Status = to
		r.UpdatedAt = now
		out, err = tx.PutReservation(ctx, r)
		return err
	})
	if err != nil {
		return Reservation{}, err
	}
	w.log.Info("reservation transitioned",
		zap.String("reservation_id", id),
		zap.String("op", op),
		zap.String("status", string(out.Status)))
	return out, nil
}

// inTx runs fn in a store transaction, retrying on version conflicts.
func (w *Workflow) inTx(ctx context.Context, op string, fn func(tx Tx) error) error {
	var err error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		err = w.store.InTx(ctx, fn)
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		w.log.Warn("transaction conflict",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return &Error{
		Kind:    KindStoreConflict,
		Message: fmt.Sprintf("%s: gave up after %d conflicting attempts", op, w.maxAttempts),
		Err:     err,
	}
}

func (w *Workflow) publish(ctx context.Context, ev Event) {
	if err := w.pub.Publish(ctx, ev); err != nil {
		w.log.Warn("publish event failed",
			zap.String("event_type", ev.Type),
			zap.String("reservation_id", ev.Reservation.ID),
			zap.Error(err))
	}
}

func lockReservationItems(ctx context.Context, tx Tx, r Reservation) error {
	ids := r.ItemIDs()
	sort.Strings(ids)
	if err := tx.LockItems(ctx, ids); err != nil {
		return fmt.Errorf("lock items of %s: %w", r.ID, err)
	}
	return nil
}

// normalizeLines defaults a zero quantity to 1 and merges repeated items so
// each item is admitted once with its full quantity.
func normalizeLines(in []Line) ([]Line, error) {
	if len(in) == 0 {
		return nil, invalidf("at least one line is required")
	}
	idx := make(map[string]int, len(in))
	out := make([]Line, 0, len(in))
	for _, l := range in {
		l.ItemID = strings.TrimSpace(l.ItemID)
		if l.ItemID == "" {
			return nil, invalidf("line item id is required")
		}
		if l.Quantity == 0 {
			l.Quantity = 1
		}
		if l.Quantity < 0 {
			return nil, &Error{Kind: KindInvalidRequest, ItemID: l.ItemID, Requested: l.Quantity,
				Message: fmt.Sprintf("quantity for item %s must be positive, got %d", l.ItemID, l.Quantity)}
		}
		if i, ok := idx[l.ItemID]; ok {
			out[i].Quantity += l.Quantity
			continue
		}
		idx[l.ItemID] = len(out)
		out = append(out, l)
	}
	return out, nil
}
