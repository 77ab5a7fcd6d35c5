// Package capacity guards writes against exhausting the storage volume.
//
// The guard is a hard pre-flight gate: it reads free space on the device
// and refuses when the reserved floor would be crossed. It complements the
// soft logical budget enforced by store sweeps.
package capacity

import (
	"fmt"
	"log/slog"
)

// FreeSpaceFunc reports bytes available to unprivileged writers at path.
type FreeSpaceFunc func(path string) (uint64, error)

// DiskGuard checks free space on the volume holding a directory.
type DiskGuard struct {
	path      string
	minFree   uint64
	freeSpace FreeSpaceFunc
	logger    *slog.Logger
}

// NewDiskGuard creates a guard for the volume holding path.
func NewDiskGuard(path string, minFree int64, logger *slog.Logger) (*DiskGuard, error) {
	if path == "" {
		return nil, fmt.Errorf("capacity: path is empty")
	}
	if minFree < 0 {
		return nil, fmt.Errorf("capacity: min free space must not be negative")
	}
	return &DiskGuard{
		path:      path,
		minFree:   uint64(minFree),
		freeSpace: availableBytes,
		logger:    logger,
	}, nil
}

// WithFreeSpaceFunc replaces the free space check.
func (g *DiskGuard) WithFreeSpaceFunc(fn FreeSpaceFunc) *DiskGuard {
	g.freeSpace = fn
	return g
}

// HasHeadroom reports whether free space exceeds the reserved floor.
// A failing check counts as no headroom.
func (g *DiskGuard) HasHeadroom() bool {
	available, err := g.freeSpace(g.path)
	if err != nil {
		if g.logger != nil {
			g.logger.Error("check disk space failed", "path", g.path, "err", err)
		}
		return false
	}
	if available <= g.minFree {
		if g.logger != nil {
			g.logger.Warn("disk space below reserved floor", "path", g.path, "available", available, "minFree", g.minFree)
		}
		return false
	}
	return true
}
