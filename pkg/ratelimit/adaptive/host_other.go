//go:build !linux

package adaptive

import (
	"errors"
	"runtime"
)

var errHostUnsupported = errors.New("host load sampling is not supported on " + runtime.GOOS)

func hostPressure() (cpu, mem float64, err error) {
	return 0, 0, errHostUnsupported
}
