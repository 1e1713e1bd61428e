package reservations

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPendingTeacher, StatusTeacherApproved, true},
		{StatusPendingTeacher, StatusRejected, true},
		{StatusPendingTeacher, StatusApproved, false},
		{StatusTeacherApproved, StatusApproved, true},
		{StatusTeacherApproved, StatusRejected, true},
		{StatusTeacherApproved, StatusReturned, false},
		{StatusApproved, StatusReturned, true},
		{StatusApproved, StatusRejected, false},
		{StatusRejected, StatusPendingTeacher, false},
		{StatusReturned, StatusApproved, false},
		{Status("BOGUS"), StatusApproved, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestStatusActive(t *testing.T) {
	for _, s := range ActiveStatuses() {
		assert.True(t, s.Active(), s)
	}
	assert.False(t, StatusRejected.Active())
	assert.False(t, StatusReturned.Active())
	assert.False(t, Status("").Valid())
	assert.True(t, StatusReturned.Valid())
}

func TestErrorMatchesByKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", itemNotFound("scope-1"))

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrInvalidRequest))
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, Kind(0), KindOf(errors.New("plain")))
	assert.Equal(t, "item scope-1 not found", itemNotFound("scope-1").Error())
	assert.Equal(t, "STORE_CONFLICT", (&Error{Kind: KindStoreConflict}).Error())

	conflict := &Error{Kind: KindStoreConflict, Err: ErrVersionConflict}
	assert.True(t, errors.Is(conflict, ErrVersionConflict))
}
