package reservations

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalendar_DaysCountInclusiveDates(t *testing.T) {
	s := newScopeStore(5)
	seedReservation(t, s, Reservation{ID: "a", Lines: []Line{{"scope", 2}}, WindowStart: at(10, 9), WindowEnd: at(12, 17), Status: StatusPendingTeacher})
	seedReservation(t, s, Reservation{ID: "x", Lines: []Line{{"scope", 5}}, WindowStart: at(10, 9), WindowEnd: at(12, 17), Status: StatusRejected})
	e := NewEngine(s, nil)

	cal, err := e.GetAvailabilityCalendar(context.Background(), "scope", at(9, 15), at(13, 1))
	require.NoError(t, err)
	assert.Equal(t, "Microscope", cal.ItemName)
	assert.Equal(t, map[string]int{
		"2026-03-09": 5,
		"2026-03-10": 3,
		"2026-03-11": 3,
		"2026-03-12": 3,
		"2026-03-13": 5,
	}, cal.Map())
}

func TestCalendar_DaysIsLazyAndRestartable(t *testing.T) {
	e := NewEngine(newScopeStore(1), nil)
	cal, err := e.GetAvailabilityCalendar(context.Background(), "scope", at(1, 0), at(31, 0))
	require.NoError(t, err)

	var first []time.Time
	for day := range cal.Days() {
		first = append(first, day)
		if len(first) == 2 {
			break
		}
	}
	assert.Equal(t, []time.Time{at(1, 0), at(2, 0)}, first)

	n := 0
	for range cal.Days() {
		n++
	}
	assert.Equal(t, 31, n)
}

func TestCalendar_SingleDayAndErrors(t *testing.T) {
	e := NewEngine(newScopeStore(3), nil)
	ctx := context.Background()

	cal, err := e.GetAvailabilityCalendar(ctx, "scope", at(5, 0), at(5, 23))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"2026-03-05": 3}, cal.Map())

	_, err = e.GetAvailabilityCalendar(ctx, "scope", at(6, 0), at(5, 0))
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	_, err = e.GetAvailabilityCalendar(ctx, "nope", at(5, 0), at(6, 0))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestParseDay(t *testing.T) {
	d, err := ParseDay("2026-03-10")
	require.NoError(t, err)
	assert.Equal(t, at(10, 0), d)

	_, err = ParseDay("10/03/2026")
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestCalendar_RangeIsCapped(t *testing.T) {
	e := NewEngine(newScopeStore(3), nil)
	ctx := context.Background()

	cal, err := e.GetAvailabilityCalendar(ctx, "scope", at(1, 0), at(1, 0).AddDate(0, 0, MaxCalendarDays-1))
	require.NoError(t, err)
	assert.Len(t, cal.Map(), MaxCalendarDays)

	_, err = e.GetAvailabilityCalendar(ctx, "scope", at(1, 0), at(1, 0).AddDate(0, 0, MaxCalendarDays))
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	_, err = e.GetAvailabilityCalendar(ctx, "scope", at(1, 0), time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC))
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}
