package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		raw, cc, want string
	}{
		{"+1 (415) 555-0100", "1", "+14155550100"},
		{"0044 20 7946 0018", "1", "+442079460018"},
		{"09121234567", "98", "+989121234567"},
		{"989121234567", "98", "+989121234567"},
		{"4155550100", "", "4155550100"},
		{"  ", "1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePhone(tt.raw, tt.cc))
		})
	}
}

func TestNewIDIsMonotonic(t *testing.T) {
	prev := NewID()
	for i := 0; i < 100; i++ {
		next := NewID()
		assert.Len(t, next, 26)
		assert.Greater(t, next, prev)
		prev = next
	}
}
