// Package zaplogging provides a zap-backed implementation of logging.Logger.
//
// Every write goes through an flock(2)-guarded lock file so that the
// supervisor and the backend it spawns can share a terminal or log file
// without interleaving partial lines. The lock file path is the identifier
// handed down to child processes.
package zaplogging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/core-tools/hsu-pgbouncer/pkg/logging"
)

const DefaultLockFileName = "hsu-bouncer-log.lock"

type Options struct {
	Level string // debug, info, warn, error

	// File enables a rotated log file next to stderr output
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// LockFile serializes writes across processes; empty means the default under os.TempDir()
	LockFile string

	// InvocationID is attached to every entry; generated when empty
	InvocationID string
}

type ZapSprintfLogger struct {
	logger       *zap.Logger
	sugar        *zap.SugaredLogger
	level        zap.AtomicLevel
	lock         *fileLock
	lockErr      error
	invocationID string
}

func NewZapSprintfLogger(options Options) (*ZapSprintfLogger, error) {
	level, err := ParseLevel(options.Level)
	if err != nil {
		return nil, err
	}
	atomicLevel := zap.NewAtomicLevelAt(level)

	lockPath := options.LockFile
	if lockPath == "" {
		lockPath = filepath.Join(os.TempDir(), DefaultLockFileName)
	}
	lock, lockErr := openFileLock(lockPath)

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	stderr := newLockedWriteSyncer(zapcore.Lock(zapcore.AddSync(os.Stderr)), lock)
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), stderr, atomicLevel),
	}

	if options.File != "" {
		if err := os.MkdirAll(filepath.Dir(options.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotated := &lumberjack.Logger{
			Filename:   options.File,
			MaxSize:    options.MaxSizeMB,
			MaxBackups: options.MaxBackups,
			MaxAge:     options.MaxAgeDays,
			Compress:   false,
		}
		fileSink := newLockedWriteSyncer(zapcore.AddSync(rotated), lock)
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), fileSink, atomicLevel))
	}

	invocationID := options.InvocationID
	if invocationID == "" {
		invocationID = uuid.NewString()
	}

	logger := zap.New(zapcore.NewTee(cores...)).With(zap.String("invocation_id", invocationID))

	return &ZapSprintfLogger{
		logger:       logger,
		sugar:        logger.Sugar(),
		level:        atomicLevel,
		lock:         lock,
		lockErr:      lockErr,
		invocationID: invocationID,
	}, nil
}

// newZapSprintfLoggerFromCore wraps an existing core, used by tests with zaptest/observer
func newZapSprintfLoggerFromCore(core zapcore.Core, invocationID string) *ZapSprintfLogger {
	logger := zap.New(core).With(zap.String("invocation_id", invocationID))
	return &ZapSprintfLogger{
		logger:       logger,
		sugar:        logger.Sugar(),
		level:        zap.NewAtomicLevelAt(zapcore.DebugLevel),
		invocationID: invocationID,
	}
}

func (l *ZapSprintfLogger) Debugf(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l *ZapSprintfLogger) Infof(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

func (l *ZapSprintfLogger) Warnf(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *ZapSprintfLogger) Errorf(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// SetLevel changes the level of every core at once
func (l *ZapSprintfLogger) SetLevel(level string) error {
	parsed, err := ParseLevel(level)
	if err != nil {
		return err
	}
	l.level.SetLevel(parsed)
	return nil
}

func (l *ZapSprintfLogger) InvocationID() string {
	return l.invocationID
}

// SyncIdentifier is the value children receive to coordinate with this logger.
// Empty when the lock file could not be opened.
func (l *ZapSprintfLogger) SyncIdentifier() string {
	if l.lock == nil {
		return ""
	}
	return l.lock.path
}

// LockError reports why cross-process serialization is disabled, if it is
func (l *ZapSprintfLogger) LockError() error {
	return l.lockErr
}

// Sync flushes buffered entries. Errors from syncing a terminal are ignored.
func (l *ZapSprintfLogger) Sync() error {
	err := l.logger.Sync()
	if err != nil && isIgnorableSyncError(err) {
		return nil
	}
	return err
}

func (l *ZapSprintfLogger) Close() error {
	err := l.Sync()
	if l.lock != nil {
		if closeErr := l.lock.close(); err == nil {
			err = closeErr
		}
	}
	return err
}

// Logger adapts to the package-level interface with an optional prefix
func (l *ZapSprintfLogger) Logger(prefix string) logging.Logger {
	return logging.NewLogger(prefix, logging.LogFuncs{
		Debugf: l.Debugf,
		Infof:  l.Infof,
		Warnf:  l.Warnf,
		Errorf: l.Errorf,
	})
}

func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// fsync on a tty or pipe returns EINVAL/ENOTTY
func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid argument") ||
		strings.Contains(msg, "inappropriate ioctl for device") ||
		strings.Contains(msg, "bad file descriptor")
}
