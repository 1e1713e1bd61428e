package reservations

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// MaxCalendarDays bounds the number of days one calendar may cover.
const MaxCalendarDays = 366

// Calendar is a per-day availability view of one item. Days iterates it
// lazily and may be ranged over any number of times.
type Calendar struct {
	ItemID        string
	ItemName      string
	TotalQuantity int
	From, To      time.Time

	bookings []Reservation
}

// GetAvailabilityCalendar loads the item and its active reservations once and
// returns a Calendar covering every whole day in [from, to]. Times of day in
// from and to are ignored; days are taken in from's location.
func (e *Engine) GetAvailabilityCalendar(ctx context.Context, itemID string, from, to time.Time) (*Calendar, error) {
	if strings.TrimSpace(itemID) == "" {
		return nil, invalidf("item id is required")
	}
	if from.IsZero() || to.IsZero() {
		return nil, invalidf("calendar range start and end are required")
	}
	loc := from.Location()
	from, to = truncateDay(from, loc), truncateDay(to, loc)
	if to.Before(from) {
		return nil, invalidf("calendar end %s is before start %s", to.Format(dateLayout), from.Format(dateLayout))
	}
	if to.After(from.AddDate(0, 0, MaxCalendarDays-1)) {
		return nil, invalidf("calendar range %s to %s exceeds %d days", from.Format(dateLayout), to.Format(dateLayout), MaxCalendarDays)
	}

	cal := &Calendar{ItemID: itemID, From: from, To: to}
	err := e.store.View(ctx, func(tx Tx) error {
		item, err := tx.GetItem(ctx, itemID)
		if errors.Is(err, ErrNoRows) {
			return itemNotFound(itemID)
		}
		if err != nil {
			return fmt.Errorf("get item %s: %w", itemID, err)
		}
		cal.ItemName = item.Name
		cal.TotalQuantity = item.TotalQuantity

		active, err := tx.QueryContainingItem(ctx, itemID, ActiveStatuses())
		if err != nil {
			return fmt.Errorf("query reservations for item %s: %w", itemID, err)
		}
		for _, r := range active {
			if r.Status.Active() && r.Contains(itemID) {
				cal.bookings = append(cal.bookings, r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cal, nil
}

// Days yields (day, available quantity) for each day of the range in order.
func (c *Calendar) Days() iter.Seq2[time.Time, int] {
	return func(yield func(time.Time, int) bool) {
		loc := c.From.Location()
		for day := c.From; !day.After(c.To); day = day.AddDate(0, 0, 1) {
			if !yield(day, c.TotalQuantity-c.bookedOn(day, loc)) {
				return
			}
		}
	}
}

// Map collects Days keyed by YYYY-MM-DD.
func (c *Calendar) Map() map[string]int {
	out := make(map[string]int)
	for day, n := range c.Days() {
		out[day.Format(dateLayout)] = n
	}
	return out
}

// bookedOn sums reservations whose window covers day at date granularity:
// both the start date and the end date count as booked.
func (c *Calendar) bookedOn(day time.Time, loc *time.Location) int {
	n := 0
	for _, r := range c.bookings {
		first := truncateDay(r.WindowStart, loc)
		last := truncateDay(r.WindowEnd, loc)
		if !day.Before(first) && !day.After(last) {
			n += r.QuantityFor(c.ItemID)
		}
	}
	return n
}

func truncateDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// ParseDay parses a YYYY-MM-DD calendar date in UTC.
func ParseDay(s string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, invalidf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return t, nil
}
