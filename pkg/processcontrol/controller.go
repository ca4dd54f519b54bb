// Package processcontrol signals and spawns the backend process.
//
// Signals are fire-and-forget: nothing here waits for the backend to act on
// them. A pid read from a pidfile may have been reused by an unrelated
// process between the read and the signal. Probe only proves that some
// process we may signal occupies the pid. Identity narrows the window by
// comparing the command line, it does not close it.
package processcontrol

import (
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/core-tools/hsu-pgbouncer/pkg/errors"
	"github.com/core-tools/hsu-pgbouncer/pkg/logging"
)

type Controller interface {
	// Probe sends the null signal. True means the pid exists and is signalable.
	Probe(pid int) bool

	// Terminate asks the backend to shut down (SIGINT)
	Terminate(pid int) error

	// Reload asks the backend to re-read its configuration (SIGHUP)
	Reload(pid int) error

	// Pause asks the backend to pause client traffic (SIGUSR1)
	Pause(pid int) error

	// Resume undoes Pause (SIGUSR2)
	Resume(pid int) error

	// Identity returns the command line of pid
	Identity(pid int) (string, error)
}

type signalController struct {
	logger logging.Logger
}

func NewController(logger logging.Logger) Controller {
	return &signalController{logger: logger}
}

func (c *signalController) Probe(pid int) bool {
	// kill(0, 0) and kill(-1, 0) address process groups, never a single backend
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	c.logger.Debugf("Probed process, pid: %d, alive: %t", pid, err == nil)
	return err == nil
}

func (c *signalController) Terminate(pid int) error {
	return c.signal(pid, unix.SIGINT)
}

func (c *signalController) Reload(pid int) error {
	return c.signal(pid, unix.SIGHUP)
}

func (c *signalController) Pause(pid int) error {
	return c.signal(pid, unix.SIGUSR1)
}

func (c *signalController) Resume(pid int) error {
	return c.signal(pid, unix.SIGUSR2)
}

func (c *signalController) Identity(pid int) (string, error) {
	if pid <= 0 {
		return "", errors.NewValidationError("invalid pid", nil).WithContext("pid", pid)
	}
	return processCommandLine(pid)
}

func (c *signalController) signal(pid int, sig syscall.Signal) error {
	name := unix.SignalName(sig)
	if pid <= 0 {
		return errors.NewValidationError("refusing to signal invalid pid", nil).
			WithContext("pid", pid).
			WithContext("signal", name)
	}

	c.logger.Debugf("Sending signal, pid: %d, signal: %s", pid, name)
	if err := unix.Kill(pid, sig); err != nil {
		return errors.NewProcessError("failed to send signal", err).
			WithContext("pid", pid).
			WithContext("signal", name)
	}
	return nil
}

// MatchesIdentity reports whether cmdline looks like it belongs to the named
// executable, comparing against both argv[0] and its base name.
func MatchesIdentity(cmdline string, names ...string) bool {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return false
	}
	argv0 := fields[0]
	for _, name := range names {
		if name == "" {
			continue
		}
		if argv0 == name || filepath.Base(argv0) == filepath.Base(name) {
			return true
		}
	}
	return false
}
