package reservations

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-process Store. A transaction works on a private copy of
// the state which replaces the shared state only when fn succeeds; the
// single mutex makes transactions fully serial, so LockItems is a no-op.
type MemStore struct {
	mu    sync.Mutex
	state memState
}

type memState struct {
	items    map[string]Item
	res      map[string]Reservation
	profiles map[string]Profile
	late     map[string]LateStats
}

func NewMemStore() *MemStore {
	return &MemStore{state: memState{
		items:    map[string]Item{},
		res:      map[string]Reservation{},
		profiles: map[string]Profile{},
		late:     map[string]LateStats{},
	}}
}

// SeedItem inserts or replaces a catalog item outside any transaction.
func (s *MemStore) SeedItem(it Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.items[it.ID] = it
}

func (s *MemStore) SeedProfile(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.profiles[p.ID] = p
}

func (s *MemStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.state.clone()
	if err := fn(&memTx{st: &work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *MemStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.state.clone()
	return fn(&memTx{st: &snap})
}

func (st memState) clone() memState {
	cp := memState{
		items:    make(map[string]Item, len(st.items)),
		res:      make(map[string]Reservation, len(st.res)),
		profiles: make(map[string]Profile, len(st.profiles)),
		late:     make(map[string]LateStats, len(st.late)),
	}
	for k, v := range st.items {
		cp.items[k] = v
	}
	for k, v := range st.res {
		cp.res[k] = v.clone()
	}
	for k, v := range st.profiles {
		cp.profiles[k] = v
	}
	for k, v := range st.late {
		cp.late[k] = v
	}
	return cp
}

type memTx struct {
	st *memState
}

func (t *memTx) LockItems(context.Context, []string) error { return nil }

func (t *memTx) GetItem(_ context.Context, itemID string) (Item, error) {
	it, ok := t.st.items[itemID]
	if !ok {
		return Item{}, ErrNoRows
	}
	return it, nil
}

func (t *memTx) PutItem(_ context.Context, it Item) error {
	t.st.items[it.ID] = it
	return nil
}

func (t *memTx) AdjustQuantity(_ context.Context, itemID string, delta int, mark ItemMark) (Item, error) {
	it, ok := t.st.items[itemID]
	if !ok {
		return Item{}, ErrNoRows
	}
	it.TotalQuantity = max(it.TotalQuantity+delta, 0)
	if mark.BorrowedBy != "" {
		it.LastBorrowedBy = mark.BorrowedBy
	}
	if mark.BorrowedAt != nil {
		at := *mark.BorrowedAt
		it.LastBorrowedAt = &at
	}
	if mark.ReturnedAt != nil {
		at := *mark.ReturnedAt
		it.LastReturnedAt = &at
	}
	it.UpdatedAt = mark.At
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = time.Now().UTC()
	}
	t.st.items[itemID] = it
	return it, nil
}

func (t *memTx) GetReservation(_ context.Context, id string) (Reservation, error) {
	r, ok := t.st.res[id]
	if !ok {
		return Reservation{}, ErrNoRows
	}
	return r.clone(), nil
}

func (t *memTx) LockReservation(ctx context.Context, id string) (Reservation, error) {
	return t.GetReservation(ctx, id)
}

func (t *memTx) PutReservation(_ context.Context, r Reservation) (Reservation, error) {
	cur, exists := t.st.res[r.ID]
	switch {
	case r.Version == 0 && exists:
		return Reservation{}, ErrVersionConflict
	case r.Version != 0 && (!exists || cur.Version != r.Version):
		return Reservation{}, ErrVersionConflict
	}
	r = r.clone()
	r.Version++
	t.st.res[r.ID] = r
	return r.clone(), nil
}

func (t *memTx) DeleteReservation(_ context.Context, id string) error {
	if _, ok := t.st.res[id]; !ok {
		return ErrNoRows
	}
	delete(t.st.res, id)
	return nil
}

func (t *memTx) QueryContainingItem(_ context.Context, itemID string, statuses []Status) ([]Reservation, error) {
	return t.collect(func(r Reservation) bool {
		return r.Contains(itemID) && hasStatus(statuses, r.Status)
	}, false), nil
}

func (t *memTx) QueryByStatus(_ context.Context, status Status) ([]Reservation, error) {
	return t.collect(func(r Reservation) bool { return r.Status == status }, false), nil
}

func (t *memTx) QueryByRequester(_ context.Context, userID string) ([]Reservation, error) {
	return t.collect(func(r Reservation) bool { return r.Requester.ID == userID }, true), nil
}

func (t *memTx) GetProfile(_ context.Context, userID string) (Profile, error) {
	p, ok := t.st.profiles[userID]
	if !ok {
		return Profile{}, ErrNoRows
	}
	return p, nil
}

func (t *memTx) IncrementLateReturns(_ context.Context, userID string, at time.Time) (LateStats, error) {
	s := t.st.late[userID]
	s.UserID = userID
	s.LateReturnCount++
	when := at
	s.LastLateReturnDate = &when
	t.st.late[userID] = s
	return s, nil
}

func (t *memTx) GetLateStats(_ context.Context, userID string) (LateStats, error) {
	s, ok := t.st.late[userID]
	if !ok {
		return LateStats{}, ErrNoRows
	}
	return s, nil
}

// collect returns matching reservations ordered by request time, oldest
// first unless newestFirst is set.
func (t *memTx) collect(match func(Reservation) bool, newestFirst bool) []Reservation {
	var out []Reservation
	for _, r := range t.st.res {
		if match(r) {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.RequestedAt.Equal(b.RequestedAt) {
			if newestFirst {
				return a.RequestedAt.After(b.RequestedAt)
			}
			return a.RequestedAt.Before(b.RequestedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func hasStatus(statuses []Status, s Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}
