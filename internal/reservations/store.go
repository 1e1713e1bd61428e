package reservations

import (
	"context"
	"time"
)

// Tx is the store as seen from inside one transaction. Implementations
// return ErrNoRows for missing records and ErrVersionConflict when a
// concurrent writer won.
type Tx interface {
	// LockItems takes exclusive locks on the given items until the
	// transaction ends. Unknown ids are ignored.
	LockItems(ctx context.Context, itemIDs []string) error
	GetItem(ctx context.Context, itemID string) (Item, error)
	PutItem(ctx context.Context, it Item) error
	// AdjustQuantity adds delta to the item's total quantity, flooring the
	// result at zero, and returns the updated item.
	AdjustQuantity(ctx context.Context, itemID string, delta int, mark ItemMark) (Item, error)

	GetReservation(ctx context.Context, id string) (Reservation, error)
	// LockReservation is GetReservation plus an exclusive row lock.
	LockReservation(ctx context.Context, id string) (Reservation, error)
	// PutReservation inserts when r.Version is zero, otherwise updates the
	// row whose version equals r.Version. The stored version is bumped.
	PutReservation(ctx context.Context, r Reservation) (Reservation, error)
	DeleteReservation(ctx context.Context, id string) error
	QueryContainingItem(ctx context.Context, itemID string, statuses []Status) ([]Reservation, error)
	QueryByStatus(ctx context.Context, status Status) ([]Reservation, error)
	QueryByRequester(ctx context.Context, userID string) ([]Reservation, error)

	GetProfile(ctx context.Context, userID string) (Profile, error)
	IncrementLateReturns(ctx context.Context, userID string, at time.Time) (LateStats, error)
	GetLateStats(ctx context.Context, userID string) (LateStats, error)
}

// ItemMark is the bookkeeping written alongside a quantity adjustment.
type ItemMark struct {
	BorrowedBy string
	BorrowedAt *time.Time
	ReturnedAt *time.Time
	// At stamps the item's UpdatedAt; zero means the store's clock.
	At time.Time
}

type Store interface {
	// InTx runs fn in a read-write transaction, committing when fn returns
	// nil and rolling back otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn against a consistent read-only snapshot.
	View(ctx context.Context, fn func(tx Tx) error) error
}

// Publisher receives lifecycle events after their transaction commits.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
