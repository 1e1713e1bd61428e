package reservations

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// AdmissionResult describes one admission decision. It is returned alongside
// the error on refusal so callers can show the diagnostics.
type AdmissionResult struct {
	ItemID        string   `json:"item_id"`
	Requested     int      `json:"requested"`
	TotalQuantity int      `json:"total_quantity"`
	Committed     int      `json:"committed"`
	Available     int      `json:"available"`
	PeakCommitted int      `json:"peak_committed"`
	Conflicts     []string `json:"conflicts,omitempty"`
	Admitted      bool     `json:"admitted"`
	Message       string   `json:"message"`
}

// Engine answers availability questions against a Store.
type Engine struct {
	store Store
	log   *zap.Logger
}

func NewEngine(store Store, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: store, log: log}
}

// CheckAvailability decides whether qty units of itemID can be booked for
// [start, end). excludeID, when set, is left out of the overlap scan so an
// existing reservation can be re-evaluated against everyone else.
func (e *Engine) CheckAvailability(ctx context.Context, itemID string, qty int, start, end time.Time, excludeID string) (AdmissionResult, error) {
	var res AdmissionResult
	err := e.store.View(ctx, func(tx Tx) error {
		var err error
		res, err = e.check(ctx, tx, itemID, qty, start, end, excludeID)
		return err
	})
	return res, err
}

func (e *Engine) check(ctx context.Context, tx Tx, itemID string, qty int, start, end time.Time, excludeID string) (AdmissionResult, error) {
	res := AdmissionResult{ItemID: itemID, Requested: qty}
	if err := validateWindow(itemID, qty, start, end); err != nil {
		res.Message = err.Error()
		return res, err
	}

	item, err := tx.GetItem(ctx, itemID)
	if errors.Is(err, ErrNoRows) {
		nf := itemNotFound(itemID)
		res.Message = nf.Error()
		return res, nf
	}
	if err != nil {
		return res, fmt.Errorf("get item %s: %w", itemID, err)
	}
	res.TotalQuantity = item.TotalQuantity

	if item.TotalQuantity < qty {
		res.Available = item.TotalQuantity
		res.Message = fmt.Sprintf("insufficient total quantity: requested %d, total %d", qty, item.TotalQuantity)
		return res, &Error{
			Kind:      KindInsufficientTotalCapacity,
			Message:   res.Message,
			ItemID:    itemID,
			Available: item.TotalQuantity,
			Requested: qty,
		}
	}

	active, err := tx.QueryContainingItem(ctx, itemID, ActiveStatuses())
	if err != nil {
		return res, fmt.Errorf("query reservations for item %s: %w", itemID, err)
	}
	overlapping := overlappingReservations(active, itemID, start, end, excludeID)
	for _, r := range overlapping {
		res.Committed += r.QuantityFor(itemID)
		res.Conflicts = append(res.Conflicts, r.ID)
	}
	res.PeakCommitted = PeakDemand(overlapping, itemID, start, end)
	res.Available = item.TotalQuantity - res.Committed

	if res.Available < qty {
		res.Message = fmt.Sprintf(
			"insufficient available quantity during the requested period: requested %d, available %d, already booked %d (from %d conflicting reservations)",
			qty, res.Available, res.Committed, len(overlapping))
		e.log.Info("admission refused",
			zap.String("item_id", itemID),
			zap.Int("requested", qty),
			zap.Int("available", res.Available),
			zap.Strings("conflicts", res.Conflicts))
		return res, &Error{
			Kind:      KindInsufficientAvailability,
			Message:   res.Message,
			ItemID:    itemID,
			Available: res.Available,
			Requested: qty,
			Conflicts: append([]string(nil), res.Conflicts...),
		}
	}

	res.Admitted = true
	res.Message = fmt.Sprintf("item is available: requested %d, available %d, total %d", qty, res.Available, item.TotalQuantity)
	return res, nil
}

func validateWindow(itemID string, qty int, start, end time.Time) error {
	if strings.TrimSpace(itemID) == "" {
		return invalidf("item id is required")
	}
	if qty < 1 {
		return &Error{Kind: KindInvalidRequest, ItemID: itemID, Requested: qty,
			Message: fmt.Sprintf("requested quantity must be at least 1, got %d", qty)}
	}
	if start.IsZero() || end.IsZero() {
		return invalidf("window start and end are required")
	}
	if !end.After(start) {
		return invalidf("window end %s must be after start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return nil
}

func overlappingReservations(rs []Reservation, itemID string, start, end time.Time, excludeID string) []Reservation {
	out := make([]Reservation, 0, len(rs))
	for _, r := range rs {
		if excludeID != "" && r.ID == excludeID {
			continue
		}
		if !r.Status.Active() || !r.Contains(itemID) {
			continue
		}
		if r.Overlaps(start, end) {
			out = append(out, r)
		}
	}
	return out
}

// PeakDemand is the largest quantity of itemID simultaneously held by rs at
// any instant inside [start, end). Admission uses the plain sum, which is
// never smaller; the peak is reported for diagnostics.
func PeakDemand(rs []Reservation, itemID string, start, end time.Time) int {
	type edge struct {
		at    time.Time
		delta int
	}
	edges := make([]edge, 0, 2*len(rs))
	for _, r := range rs {
		q := r.QuantityFor(itemID)
		if q == 0 || !r.Overlaps(start, end) {
			continue
		}
		from, to := r.WindowStart, r.WindowEnd
		if from.Before(start) {
			from = start
		}
		if to.After(end) {
			to = end
		}
		edges = append(edges, edge{from, q}, edge{to, -q})
	}
	// releases sort before acquisitions at the same instant
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].at.Equal(edges[j].at) {
			return edges[i].delta < edges[j].delta
		}
		return edges[i].at.Before(edges[j].at)
	})
	peak, cur := 0, 0
	for _, e := range edges {
		cur += e.delta
		if cur > peak {
			peak = cur
		}
	}
	return peak
}
