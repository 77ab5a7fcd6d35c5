//go:build linux || darwin || freebsd

package capacity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvailableBytes(t *testing.T) {
	free, err := availableBytes(t.TempDir())
	require.NoError(t, err)
	assert.Positive(t, free)

	_, err = availableBytes(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestDiskGuard_RealVolume(t *testing.T) {
	g, err := NewDiskGuard(t.TempDir(), 0, nil)
	require.NoError(t, err)
	assert.True(t, g.HasHeadroom())
}
