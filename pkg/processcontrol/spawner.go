package processcontrol

import (
	"context"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/core-tools/hsu-pgbouncer/pkg/errors"
	"github.com/core-tools/hsu-pgbouncer/pkg/logging"
)

const (
	// EnvDebug tells the backend runtime it runs under the supervisor
	EnvDebug = "HSU_BOUNCER_DEBUG"

	// EnvLogSync carries the path of the lock file the supervisor serializes its log writes with
	EnvLogSync = "HSU_BOUNCER_LOG_SYNC"
)

// SpawnSpec describes one backend launch
type SpawnSpec struct {
	ExecutablePath string
	ProcessTitle   string // argv[0]; defaults to ExecutablePath
	Args           []string
	ConfigPath     string // always the last argument

	LogSyncID string

	// Stdout and Stderr default to the supervisor's own streams
	Stdout io.Writer
	Stderr io.Writer
}

// ExitResult is how the child ended
type ExitResult struct {
	PID      int
	ExitCode int
	Signal   string
	Duration time.Duration
}

type Spawner interface {
	// SpawnAndWait starts the backend, reports its pid through onStarted and
	// blocks until it exits. A non-zero exit or death by signal is an error.
	SpawnAndWait(ctx context.Context, spec SpawnSpec, onStarted func(pid int)) (*ExitResult, error)
}

type execSpawner struct {
	logger logging.Logger
}

func NewSpawner(logger logging.Logger) Spawner {
	return &execSpawner{logger: logger}
}

// BuildCommand resolves the backend binary and assembles
// argv [title, args..., configPath] and the child environment.
func BuildCommand(ctx context.Context, spec SpawnSpec) (*exec.Cmd, error) {
	if spec.ExecutablePath == "" {
		return nil, errors.NewValidationError("backend executable path is required", nil)
	}
	if spec.ConfigPath == "" {
		return nil, errors.NewValidationError("backend configuration path is required", nil)
	}

	path, err := exec.LookPath(spec.ExecutablePath)
	if err != nil {
		return nil, errors.NewProcessError("backend executable not found", err).
			WithContext("executable", spec.ExecutablePath)
	}

	title := spec.ProcessTitle
	if title == "" {
		title = spec.ExecutablePath
	}

	args := make([]string, 0, len(spec.Args)+1)
	args = append(args, spec.Args...)
	args = append(args, spec.ConfigPath)

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Args[0] = title

	cmd.Env = append(os.Environ(), EnvDebug+"=1")
	if spec.LogSyncID != "" {
		cmd.Env = append(cmd.Env, EnvLogSync+"="+spec.LogSyncID)
	}

	cmd.Stdout = spec.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = spec.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	// Cancellation asks for a graceful stop, like the stop command does
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGINT)
	}

	return cmd, nil
}

func (s *execSpawner) SpawnAndWait(ctx context.Context, spec SpawnSpec, onStarted func(pid int)) (*ExitResult, error) {
	cmd, err := BuildCommand(ctx, spec)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, errors.NewInternalError("failed to exec backend", err).
			WithContext("executable", cmd.Path)
	}

	pid := cmd.Process.Pid
	s.logger.Debugf("Backend spawned, pid: %d, argv: %v", pid, cmd.Args)
	if onStarted != nil {
		onStarted(pid)
	}

	// Wait retries on EINTR and does not report stopped or continued children
	waitErr := cmd.Wait()
	result := &ExitResult{
		PID:      pid,
		Duration: time.Since(started),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
		if status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			result.Signal = status.Signal().String()
		}
	}

	if waitErr == nil {
		s.logger.Debugf("Backend exited, pid: %d, duration: %v", pid, result.Duration)
		return result, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return result, errors.NewProcessError("failed to wait for backend", waitErr).WithContext("pid", pid)
	}

	if result.Signal != "" {
		return result, errors.NewProcessError("backend was terminated by a signal", waitErr).
			WithContext("pid", pid).
			WithContext("signal", result.Signal)
	}
	return result, errors.NewProcessError("backend exited with a non-zero status", waitErr).
		WithContext("pid", pid).
		WithContext("exit_code", result.ExitCode)
}
