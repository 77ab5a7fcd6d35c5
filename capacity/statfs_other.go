//go:build !linux && !darwin && !freebsd

package capacity

import (
	"fmt"
	"runtime"
)

func availableBytes(path string) (uint64, error) {
	return 0, fmt.Errorf("free space check not supported on %s", runtime.GOOS)
}
