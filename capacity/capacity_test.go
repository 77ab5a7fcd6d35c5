package capacity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskGuard_HasHeadroom(t *testing.T) {
	tests := []struct {
		name      string
		available uint64
		err       error
		want      bool
	}{
		{name: "above floor", available: 2048, want: true},
		{name: "at floor", available: 1024, want: false},
		{name: "below floor", available: 10, want: false},
		{name: "read error fails closed", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewDiskGuard(t.TempDir(), 1024, nil)
			require.NoError(t, err)
			g.WithFreeSpaceFunc(func(string) (uint64, error) { return tt.available, tt.err })
			assert.Equal(t, tt.want, g.HasHeadroom())
		})
	}
}

func TestNewDiskGuard_Invalid(t *testing.T) {
	_, err := NewDiskGuard("", 0, nil)
	assert.Error(t, err)

	_, err = NewDiskGuard(t.TempDir(), -1, nil)
	assert.Error(t, err)
}
