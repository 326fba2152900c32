package schema

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewLocalID(t *testing.T) {
	at := time.UnixMilli(1767225600000)
	id := newLocalIDAt(PrefixOrder, at)

	assert.True(t, strings.HasPrefix(id, "ord_1767225600000_"), id)
	assert.True(t, IsLocalID(id))

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := newLocalIDAt(PrefixShift, at)
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestIsLocalID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"ord_1767225600000_3f9a1c2e", true},
		{"shift_1_abcdef12", true},
		{"8812", false},
		{"ord_abc_3f9a1c2e", false},
		{"ord_1767225600000_short", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsLocalID(tt.id), tt.id)
	}
}

func TestEntityType_IsValid(t *testing.T) {
	for _, et := range EntityTypes {
		assert.True(t, et.IsValid(), et)
	}
	assert.False(t, EntityType("payments").IsValid())
}
