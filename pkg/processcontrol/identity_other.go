//go:build !linux

package processcontrol

import (
	"runtime"

	"github.com/core-tools/hsu-pgbouncer/pkg/errors"
)

func processCommandLine(pid int) (string, error) {
	return "", errors.NewInternalError("process identity is not supported on this platform", nil).
		WithContext("pid", pid).
		WithContext("os", runtime.GOOS)
}
