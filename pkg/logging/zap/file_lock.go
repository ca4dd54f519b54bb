package zaplogging

import (
	"os"
	"sync"

	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"
)

type fileLock struct {
	path string
	file *os.File
	mu   sync.Mutex
}

func openFileLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, err
	}
	return &fileLock{path: path, file: f}, nil
}

// withLock runs fn while holding both the in-process mutex and the exclusive flock
func (l *fileLock) withLock(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	fd := int(l.file.Fd())
	for {
		err := unix.Flock(fd, unix.LOCK_EX)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			// Unlocked write beats a lost log line
			return fn()
		}
		break
	}
	defer unix.Flock(fd, unix.LOCK_UN)

	return fn()
}

func (l *fileLock) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

type lockedWriteSyncer struct {
	ws   zapcore.WriteSyncer
	lock *fileLock
}

func newLockedWriteSyncer(ws zapcore.WriteSyncer, lock *fileLock) zapcore.WriteSyncer {
	if lock == nil {
		return ws
	}
	return &lockedWriteSyncer{ws: ws, lock: lock}
}

func (w *lockedWriteSyncer) Write(p []byte) (n int, err error) {
	err = w.lock.withLock(func() error {
		var writeErr error
		n, writeErr = w.ws.Write(p)
		return writeErr
	})
	return n, err
}

func (w *lockedWriteSyncer) Sync() error {
	return w.ws.Sync()
}
