//go:build !linux && !darwin && !freebsd

package capacity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskGuard_UnsupportedPlatformFailsClosed(t *testing.T) {
	_, err := availableBytes(t.TempDir())
	assert.Error(t, err)

	g, err := NewDiskGuard(t.TempDir(), 0, nil)
	require.NoError(t, err)
	assert.False(t, g.HasHeadroom())
}
