package reservations

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func at(day, hour int) time.Time {
	return time.Date(2026, time.March, day, hour, 0, 0, 0, time.UTC)
}

func seedReservation(t *testing.T, s *MemStore, r Reservation) Reservation {
	t.Helper()
	if r.RequestedAt.IsZero() {
		r.RequestedAt = at(1, 8)
	}
	var out Reservation
	require.NoError(t, s.InTx(context.Background(), func(tx Tx) error {
		var err error
		out, err = tx.PutReservation(context.Background(), r)
		return err
	}))
	return out
}

func mustItem(t *testing.T, s *MemStore, id string) Item {
	t.Helper()
	var it Item
	require.NoError(t, s.View(context.Background(), func(tx Tx) error {
		var err error
		it, err = tx.GetItem(context.Background(), id)
		return err
	}))
	return it
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

// spyStore counts reservation scans so tests can assert they were skipped.
type spyStore struct {
	*MemStore
	mu    sync.Mutex
	scans int
}

func (s *spyStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.MemStore.View(ctx, func(tx Tx) error { return fn(&spyTx{Tx: tx, s: s}) })
}

func (s *spyStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.MemStore.InTx(ctx, func(tx Tx) error { return fn(&spyTx{Tx: tx, s: s}) })
}

func (s *spyStore) Scans() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans
}

type spyTx struct {
	Tx
	s *spyStore
}

func (t *spyTx) QueryContainingItem(ctx context.Context, itemID string, statuses []Status) ([]Reservation, error) {
	t.s.mu.Lock()
	t.s.scans++
	t.s.mu.Unlock()
	return t.Tx.QueryContainingItem(ctx, itemID, statuses)
}

// conflictStore fails the first n transactions with ErrVersionConflict.
type conflictStore struct {
	*MemStore
	mu        sync.Mutex
	remaining int
	attempts  int
}

func (s *conflictStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	s.attempts++
	fail := s.remaining > 0
	if fail {
		s.remaining--
	}
	s.mu.Unlock()
	if fail {
		return ErrVersionConflict
	}
	return s.MemStore.InTx(ctx, fn)
}
