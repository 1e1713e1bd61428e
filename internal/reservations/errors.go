package reservations

import (
	"errors"
	"fmt"
)

// Kind is the category of a failed engine operation.
type Kind int

const (
	KindInvalidRequest Kind = iota + 1
	KindNotFound
	KindInsufficientTotalCapacity
	KindInsufficientAvailability
	KindInvalidTransition
	KindStoreConflict
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "INVALID_REQUEST"
	case KindNotFound:
		return "NOT_FOUND"
	case KindInsufficientTotalCapacity:
		return "INSUFFICIENT_TOTAL_CAPACITY"
	case KindInsufficientAvailability:
		return "INSUFFICIENT_AVAILABILITY"
	case KindInvalidTransition:
		return "INVALID_TRANSITION"
	case KindStoreConflict:
		return "STORE_CONFLICT"
	default:
		return "UNKNOWN"
	}
}

// Sentinels for errors.Is. They compare by Kind only.
var (
	ErrInvalidRequest            = &Error{Kind: KindInvalidRequest}
	ErrNotFound                  = &Error{Kind: KindNotFound}
	ErrInsufficientTotalCapacity = &Error{Kind: KindInsufficientTotalCapacity}
	ErrInsufficientAvailability  = &Error{Kind: KindInsufficientAvailability}
	ErrInvalidTransition         = &Error{Kind: KindInvalidTransition}
	ErrStoreConflict             = &Error{Kind: KindStoreConflict}
)

// Error is returned for every caller-recoverable failure of the engine.
// The diagnostic fields are filled where they apply.
type Error struct {
	Kind    Kind
	Message string

	ItemID        string
	ReservationID string
	Available     int
	Requested     int
	Conflicts     []string
	Status        Status

	Err error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of err, or zero when err is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func invalidf(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func itemNotFound(itemID string) *Error {
	return &Error{Kind: KindNotFound, ItemID: itemID, Message: fmt.Sprintf("item %s not found", itemID)}
}

func reservationNotFound(id string) *Error {
	return &Error{Kind: KindNotFound, ReservationID: id, Message: fmt.Sprintf("reservation %s not found", id)}
}

func invalidTransition(r Reservation, op string) *Error {
	return &Error{
		Kind:          KindInvalidTransition,
		ReservationID: r.ID,
		Status:        r.Status,
		Message:       fmt.Sprintf("cannot %s reservation %s in status %s", op, r.ID, r.Status),
	}
}

// ErrVersionConflict is returned by stores when an optimistic write lost a
// race or the database aborted the transaction for serialization. Workflow
// operations retry on it and report StoreConflict once attempts run out.
var ErrVersionConflict = errors.New("store: version conflict")

// ErrNoRows is returned by stores for missing records; the engine converts
// it into a NotFound Error with context.
var ErrNoRows = errors.New("store: no rows")
