package pidfile

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/core-tools/hsu-pgbouncer/pkg/errors"
	"github.com/core-tools/hsu-pgbouncer/pkg/logging"
)

// LockedStore is a stricter Store: a pidfile it writes is held under an
// exclusive flock until Remove or Close, and Write refuses to replace a
// pidfile somebody else holds a lock on. Readers are unaffected since
// flock is advisory.
type LockedStore struct {
	logger logging.Logger

	mu   sync.Mutex
	held map[string]*os.File
}

func NewLockedStore(logger logging.Logger) *LockedStore {
	return &LockedStore{
		logger: logger,
		held:   make(map[string]*os.File),
	}
}

func (s *LockedStore) Read(path string, okToFail bool) (int, bool, error) {
	return readPid(path, okToFail, s.logger)
}

func (s *LockedStore) Write(path string, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.held[path]; !ok {
		if err := checkUnlocked(path); err != nil {
			return err
		}
	}

	f, err := writePid(path, pid, func(tmp *os.File) error {
		if err := flock(tmp, unix.LOCK_EX|unix.LOCK_NB); err != nil {
			return errors.NewIOError("failed to lock pidfile", err).WithContext("path", path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if previous, ok := s.held[path]; ok {
		previous.Close()
	}
	s.held[path] = f

	s.logger.Debugf("Pidfile written and locked, path: %s, pid: %d", path, pid)
	return nil
}

func (s *LockedStore) Remove(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := removePid(path)
	s.release(path)
	return err
}

// Close releases every lock without removing the files
func (s *LockedStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	collection := errors.NewErrorCollection()
	for path := range s.held {
		collection.Add(s.release(path))
	}
	return collection.ToError()
}

func (s *LockedStore) release(path string) error {
	f, ok := s.held[path]
	if !ok {
		return nil
	}
	delete(s.held, path)

	flock(f, unix.LOCK_UN)
	if err := f.Close(); err != nil {
		return errors.NewIOError("failed to close pidfile", err).WithContext("path", path)
	}
	return nil
}

// checkUnlocked fails with a conflict error when another process holds the lock on path
func checkUnlocked(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.NewIOError("failed to open pidfile", err).WithContext("path", path)
	}
	defer f.Close()

	err = flock(f, unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return errors.NewConflictError("pidfile is locked by another process", err).WithContext("path", path)
	}
	if err != nil {
		return errors.NewIOError("failed to probe pidfile lock", err).WithContext("path", path)
	}
	return flock(f, unix.LOCK_UN)
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			return err
		}
	}
}
