package reservations

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAssess(t *testing.T) {
	tr := NewLateTracker(nil)
	end := at(10, 17)

	tests := []struct {
		name       string
		returnedAt time.Time
		want       Lateness
	}{
		{"early", at(10, 9), Lateness{}},
		{"exactly at end", end, Lateness{}},
		{"one minute late", end.Add(time.Minute), Lateness{IsLate: true, DaysLate: 1, HoursLate: 1}},
		{"exactly one day", end.Add(24 * time.Hour), Lateness{IsLate: true, DaysLate: 1, HoursLate: 24}},
		{"two calendar days later", at(12, 10), Lateness{IsLate: true, DaysLate: 2, HoursLate: 41}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tr.Assess("r1", end, tt.returnedAt))
		})
	}
}

func TestAssess_MissingWindowEndIsOnTimeAndLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	tr := NewLateTracker(zap.New(core))

	got := tr.Assess("r1", time.Time{}, at(12, 10))
	assert.Equal(t, Lateness{}, got)
	if assert.Equal(t, 1, logs.Len()) {
		entry := logs.All()[0]
		assert.Equal(t, "r1", entry.ContextMap()["reservation_id"])
	}
}
