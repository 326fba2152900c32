package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openShift() *Shift {
	now := time.Now().UTC()
	return &Shift{
		Meta:        Meta{ID: NewLocalID(PrefixShift), SyncStatus: SyncStatusPending, UpdatedAt: now},
		ShiftNumber: 1,
		StoreID:     "store-1",
		Status:      ShiftStatusOpen,
		OpenedAt:    now,
		InitialCash: money("100"),
	}
}

func TestShift_Validate(t *testing.T) {
	closedAt := time.Now()

	tests := []struct {
		name    string
		mutate  func(s *Shift)
		wantErr bool
	}{
		{name: "valid open shift", mutate: func(s *Shift) {}},
		{name: "missing store", mutate: func(s *Shift) { s.StoreID = "" }, wantErr: true},
		{name: "negative cash", mutate: func(s *Shift) { s.InitialCash = money("-1") }, wantErr: true},
		{name: "open with closed_at", mutate: func(s *Shift) { s.ClosedAt = &closedAt }, wantErr: true},
		{name: "closed without closed_at", mutate: func(s *Shift) { s.Status = ShiftStatusClosed }, wantErr: true},
		{name: "unknown status", mutate: func(s *Shift) { s.Status = "paused" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openShift()
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestShift_CloseOnce(t *testing.T) {
	s := openShift()
	first := time.Date(2026, 5, 1, 22, 0, 0, 0, time.UTC)

	require.NoError(t, s.Close(money("250.50"), "ok", first))
	assert.Equal(t, ShiftStatusClosed, s.Status)
	require.NotNil(t, s.ClosedAt)
	assert.True(t, s.ClosedAt.Equal(first))
	assert.NoError(t, s.Validate())

	err := s.Close(money("1"), "again", first.Add(time.Hour))
	assert.ErrorIs(t, err, ErrShiftClosed)
	assert.True(t, s.ClosedAt.Equal(first), "closed_at must never change")
	assert.True(t, s.FinalCash.Equal(money("250.50")))
}

func TestShiftClosure_Validate(t *testing.T) {
	s := openShift()
	require.NoError(t, s.Close(money("100"), "", time.Now()))

	c := ShiftClosure{Shift: *s, Inventory: []InventoryEntry{{ProductID: "p1", Counted: money("3")}}}
	assert.NoError(t, c.Validate())

	c.Inventory = append(c.Inventory, InventoryEntry{Counted: money("1")})
	assert.ErrorIs(t, c.Validate(), ErrValidation)
}
