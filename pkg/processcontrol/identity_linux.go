//go:build linux

package processcontrol

import (
	"fmt"
	"os"
	"strings"

	"github.com/core-tools/hsu-pgbouncer/pkg/errors"
)

// processCommandLine reads /proc/<pid>/cmdline, NUL separated
func processCommandLine(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.NewNotFoundError("process does not exist", err).WithContext("pid", pid)
		}
		return "", errors.NewIOError("failed to read process command line", err).WithContext("pid", pid)
	}

	cmdline := strings.TrimSpace(strings.ReplaceAll(string(data), "\x00", " "))
	if cmdline == "" {
		// kernel threads and zombies have an empty cmdline
		return "", errors.NewNotFoundError("process has no command line", nil).WithContext("pid", pid)
	}
	return cmdline, nil
}
