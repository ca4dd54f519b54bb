// Package pidfile stores the process id of the running backend.
//
// A pidfile is a hint, not a lock: its presence says nothing about whether
// the process is alive. Callers establish liveness separately with a null
// signal probe. Readers that find unparseable content delete the file so
// that stale state does not block later invocations.
package pidfile

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-pgbouncer/pkg/errors"
	"github.com/core-tools/hsu-pgbouncer/pkg/exitcode"
	"github.com/core-tools/hsu-pgbouncer/pkg/logging"
)

// Store is the narrow interface the command handlers use. Implementations
// differ only in how strictly they guard against concurrent writers.
type Store interface {
	// Read returns the pid on the first line of path.
	// A missing or corrupt file yields found=false when okToFail is set and an error otherwise.
	// Corrupt files are removed either way.
	Read(path string, okToFail bool) (pid int, found bool, err error)

	// Write replaces the content of path with pid.
	Write(path string, pid int) error

	// Remove deletes path. A missing file is not an error.
	Remove(path string) error
}

type advisoryStore struct {
	logger logging.Logger
}

// NewAdvisoryStore returns the default store: plain files, no locking.
func NewAdvisoryStore(logger logging.Logger) Store {
	return &advisoryStore{logger: logger}
}

func (s *advisoryStore) Read(path string, okToFail bool) (int, bool, error) {
	return readPid(path, okToFail, s.logger)
}

func (s *advisoryStore) Write(path string, pid int) error {
	_, err := writePid(path, pid, nil)
	return err
}

func (s *advisoryStore) Remove(path string) error {
	return removePid(path)
}

func readPid(path string, okToFail bool, logger logging.Logger) (int, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if okToFail {
				return 0, false, nil
			}
			return 0, false, errors.NewNotFoundError("pidfile does not exist", err).WithContext("path", path)
		}
		return 0, false, errors.NewIOError("failed to read pidfile", err).WithContext("path", path)
	}

	pid, parseErr := parsePid(data)
	if parseErr == nil {
		return pid, true, nil
	}

	logger.Warnf("Removing corrupt pidfile, path: %s, error: %v", path, parseErr)
	if err := removePid(path); err != nil {
		logger.Warnf("Failed to remove corrupt pidfile, path: %s, error: %v", path, err)
	}

	if okToFail {
		return 0, false, nil
	}
	return 0, false, exitcode.WithCategory(exitcode.BadState,
		errors.NewValidationError("pidfile does not contain a valid pid", parseErr).WithContext("path", path))
}

// parsePid reads the first line; anything after it is ignored
func parsePid(data []byte) (int, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return 0, fmt.Errorf("pidfile is empty")
	}
	line := strings.TrimSpace(scanner.Text())

	pid, err := strconv.Atoi(line)
	if err != nil {
		return 0, fmt.Errorf("invalid pid %q: %w", line, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("pid must be positive, got %d", pid)
	}
	return pid, nil
}

// writePid writes through a temporary file in the same directory and renames
// it over path. When beforeRename is given it runs on the temporary file, and
// the file is returned still open after the rename.
func writePid(path string, pid int, beforeRename func(*os.File) error) (*os.File, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return nil, errors.NewIOError("failed to create temporary pidfile", err).WithContext("path", path)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := fmt.Fprintf(tmp, "%d\n", pid); err != nil {
		cleanup()
		return nil, errors.NewIOError("failed to write pidfile", err).WithContext("path", path)
	}
	if err := tmp.Chmod(0644); err != nil {
		cleanup()
		return nil, errors.NewIOError("failed to set pidfile permissions", err).WithContext("path", path)
	}
	if beforeRename != nil {
		if err := beforeRename(tmp); err != nil {
			cleanup()
			return nil, err
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return nil, errors.NewIOError("failed to install pidfile", err).WithContext("path", path)
	}

	if beforeRename != nil {
		return tmp, nil
	}
	if err := tmp.Close(); err != nil {
		return nil, errors.NewIOError("failed to close pidfile", err).WithContext("path", path)
	}
	return nil, nil
}

func removePid(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove pidfile", err).WithContext("path", path)
	}
	return nil
}
