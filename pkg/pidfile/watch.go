package pidfile

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/core-tools/hsu-pgbouncer/pkg/errors"
)

// WaitForFile blocks until path holds a valid pid other than stalePID, the
// timeout elapses or ctx is done. Pass the pid a leftover pidfile named before
// the backend was spawned as stalePID, or zero when there was none. It watches
// the parent directory so that files created by rename are noticed too. The
// file is never modified.
func WaitForFile(ctx context.Context, path string, timeout time.Duration, stalePID int) (int, error) {
	peek := func() (int, bool) {
		pid, ok := Peek(path)
		return pid, ok && pid != stalePID
	}

	if pid, ok := peek(); ok {
		return pid, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return 0, errors.NewIOError("failed to create pidfile watcher", err).WithContext("path", path)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return 0, errors.NewIOError("failed to watch pidfile directory", err).WithContext("directory", dir)
	}

	// The file may have appeared between the first peek and Add
	if pid, ok := peek(); ok {
		return pid, nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := filepath.Clean(path)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return 0, errors.NewInternalError("pidfile watcher closed", nil).WithContext("path", path)
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if pid, ok := peek(); ok {
				return pid, nil
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return 0, errors.NewInternalError("pidfile watcher closed", nil).WithContext("path", path)
			}
			return 0, errors.NewIOError("pidfile watcher failed", err).WithContext("path", path)

		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return 0, errors.NewTimeoutError("timed out waiting for pidfile", ctx.Err()).
					WithContext("path", path).
					WithContext("timeout", timeout.String())
			}
			return 0, errors.NewCancelledError("cancelled while waiting for pidfile", ctx.Err()).WithContext("path", path)
		}
	}
}

// Peek reads the pid in path without the self-healing of Store.Read, a half
// written file must not be deleted while its writer is still busy. Absent
// and corrupt files both report false.
func Peek(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := parsePid(data)
	if err != nil {
		return 0, false
	}
	return pid, true
}
