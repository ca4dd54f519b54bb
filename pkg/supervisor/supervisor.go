// Package supervisor implements the start, stop, reboot, pause, resume and
// status commands for a single backend instance.
//
// Handlers never exit the process. Every failure is returned as an error
// that exitcode.FromError maps to the code the binary exits with.
//
// The pidfile is not locked by default, so concurrent invocations against
// the same pidfile race: two starts may both see no live instance, and a
// stop may remove a pidfile a concurrent start is about to rely on.
package supervisor

import (
	"context"
	"time"

	"github.com/core-tools/hsu-pgbouncer/pkg/backendconfig"
	"github.com/core-tools/hsu-pgbouncer/pkg/errors"
	"github.com/core-tools/hsu-pgbouncer/pkg/exitcode"
	"github.com/core-tools/hsu-pgbouncer/pkg/logging"
	"github.com/core-tools/hsu-pgbouncer/pkg/pidfile"
	"github.com/core-tools/hsu-pgbouncer/pkg/processcontrol"
	"github.com/core-tools/hsu-pgbouncer/pkg/settings"
)

// Invocation carries what the command line resolved for this run
type Invocation struct {
	ConfigPath string
}

type Options struct {
	Invocation Invocation
	Settings   *settings.Settings

	Store      pidfile.Store
	Controller processcontrol.Controller
	Spawner    processcontrol.Spawner
	Execer     Execer
	Logger     logging.Logger

	// Flush drains buffered log output before the process spawns or replaces itself
	Flush func() error

	// LogSyncID is handed to the backend so it can serialize its log writes with ours
	LogSyncID string
}

type Supervisor struct {
	invocation Invocation
	settings   *settings.Settings
	store      pidfile.Store
	controller processcontrol.Controller
	spawner    processcontrol.Spawner
	execer     Execer
	logger     logging.Logger
	flush      func() error
	logSyncID  string
}

// StartResult describes a completed start
type StartResult struct {
	PID         int // the spawned child
	BackendPID  int // read from the pidfile, zero unless pidfile_wait is set
	Duration    time.Duration
	Transitions []StartStateTransition
}

func NewSupervisor(options Options) (*Supervisor, error) {
	if options.Invocation.ConfigPath == "" {
		return nil, errors.NewValidationError("configuration file path is required", nil)
	}
	if options.Store == nil || options.Controller == nil || options.Spawner == nil || options.Execer == nil {
		return nil, errors.NewInternalError("supervisor collaborators are required", nil)
	}

	s := &Supervisor{
		invocation: options.Invocation,
		settings:   options.Settings,
		store:      options.Store,
		controller: options.Controller,
		spawner:    options.Spawner,
		execer:     options.Execer,
		logger:     options.Logger,
		flush:      options.Flush,
		logSyncID:  options.LogSyncID,
	}
	if s.settings == nil {
		s.settings = settings.DefaultSettings()
	}
	if s.logger == nil {
		s.logger = logging.NewNullLogger()
	}
	if s.flush == nil {
		s.flush = func() error { return nil }
	}
	return s, nil
}

func (s *Supervisor) loadConfig() (*backendconfig.BackendConfig, error) {
	config, err := backendconfig.Load(s.invocation.ConfigPath)
	if err != nil {
		return nil, err
	}
	s.logger.Debugf("Backend configuration loaded, path: %s, port: %d, pidfile: %s, admin user: %s",
		config.Path, config.ListenPort, config.PidFilePath, config.AdminUser)
	return config, nil
}

// Start launches the backend and blocks until the spawned child exits.
// It refuses to start when the pidfile names a live process.
func (s *Supervisor) Start(ctx context.Context) (*StartResult, error) {
	config, err := s.loadConfig()
	if err != nil {
		return nil, err
	}

	sm := NewStartStateMachine(s.logger)
	result := &StartResult{}

	// Only a double-start guard: an unreadable pidfile counts as no instance
	stalePID := 0
	pid, found, err := s.store.Read(config.PidFilePath, true)
	if err != nil {
		s.logger.Warnf("Ignoring unreadable pidfile, path: %s, error: %v", config.PidFilePath, err)
	} else if found && s.controller.Probe(pid) {
		alreadyRunning := errors.NewConflictError("backend is already running", nil).
			WithContext("pid", pid).
			WithContext("pidfile", config.PidFilePath)
		_ = sm.Transition(StartStateAlreadyRunning, "probe", alreadyRunning)
		return nil, alreadyRunning
	} else if found {
		stalePID = pid
		s.logger.Debugf("Pidfile names a dead process, pid: %d, pidfile: %s", pid, config.PidFilePath)
	}

	s.flushLogs()

	if err := sm.Transition(StartStateForking, "spawn", nil); err != nil {
		return nil, err
	}

	backend := s.settings.Backend
	spec := processcontrol.SpawnSpec{
		ExecutablePath: backend.ExecutablePath,
		ProcessTitle:   backend.ProcessTitle,
		Args:           backend.Args,
		ConfigPath:     config.Path,
		LogSyncID:      s.logSyncID,
	}

	wrotePidfile := false
	exit, err := s.spawner.SpawnAndWait(ctx, spec, func(childPID int) {
		result.PID = childPID
		if err := sm.Transition(StartStateParentWaiting, "wait", nil); err != nil {
			s.logger.Warnf("Unexpected start state, pid: %d, error: %v", childPID, err)
		}
		s.logger.Infof("Started backend in subprocess, pid: %d, config: %s", childPID, config.Path)

		if backend.WritePidfile {
			if err := s.store.Write(config.PidFilePath, childPID); err != nil {
				s.logger.Warnf("Failed to write pidfile, path: %s, error: %v", config.PidFilePath, err)
			} else {
				wrotePidfile = true
			}
		}
	})
	if exit != nil {
		result.Duration = exit.Duration
	}
	if wrotePidfile {
		s.removeChildPidfile(config.PidFilePath, result.PID)
	}

	if err != nil {
		_ = sm.Transition(StartStateStartFailed, "wait", err)
		result.Transitions = sm.GetTransitionHistory()
		return result, errors.NewProcessError("backend failed to start", err).
			WithContext("config", config.Path).
			WithContext("executable", backend.ExecutablePath)
	}

	if err := sm.Transition(StartStateStarted, "wait", nil); err != nil {
		return result, err
	}
	result.Transitions = sm.GetTransitionHistory()
	s.logger.Infof("Backend subprocess exited cleanly, pid: %d, duration: %v", result.PID, result.Duration)

	if backend.PidfileWait > 0 {
		backendPID, err := s.waitForBackend(ctx, config.PidFilePath, backend.PidfileWait, stalePID)
		if err != nil {
			return result, err
		}
		result.BackendPID = backendPID
		s.logger.Infof("Backend is running, pid: %d, pidfile: %s", backendPID, config.PidFilePath)
	}

	return result, nil
}

// waitForBackend returns the pid the backend recorded after the spawned child
// exited. A pid left over from a previous instance is never accepted.
func (s *Supervisor) waitForBackend(ctx context.Context, path string, timeout time.Duration, stalePID int) (int, error) {
	pid, err := pidfile.WaitForFile(ctx, path, timeout, stalePID)
	if err != nil {
		if errors.IsIOError(err) {
			return 0, exitcode.WithCategory(exitcode.BadState, err)
		}
		return 0, err
	}

	if !s.controller.Probe(pid) {
		return 0, errors.NewProcessError("backend is not running after start", nil).
			WithContext("pid", pid).
			WithContext("pidfile", path)
	}
	return pid, nil
}

// removeChildPidfile removes the pidfile written for the spawned child unless
// the backend has since recorded another pid in it.
func (s *Supervisor) removeChildPidfile(path string, childPID int) {
	pid, ok := pidfile.Peek(path)
	if !ok {
		return
	}
	if pid != childPID {
		s.logger.Infof("Pidfile taken over by the backend, pid: %d, pidfile: %s", pid, path)
		return
	}
	if err := s.store.Remove(path); err != nil {
		s.logger.Warnf("Failed to remove pidfile, path: %s, error: %v", path, err)
	}
}

func (s *Supervisor) flushLogs() {
	if err := s.flush(); err != nil {
		s.logger.Debugf("Failed to flush log output, error: %v", err)
	}
}

// Stop asks the backend to shut down and removes the pidfile whatever the
// signal outcome. It does not wait for the backend to exit.
func (s *Supervisor) Stop(ctx context.Context) error {
	config, err := s.loadConfig()
	if err != nil {
		return err
	}

	pid, err := s.readTarget(config)
	if err != nil {
		return err
	}

	collection := errors.NewErrorCollection()

	if err := s.verifyIdentity(pid); err != nil {
		collection.Add(err)
	} else if err := s.controller.Terminate(pid); err != nil {
		collection.Add(errors.NewInternalError("failed to stop backend", err).WithContext("pid", pid))
	} else {
		s.logger.Infof("Stop requested, pid: %d", pid)
	}

	if err := s.store.Remove(config.PidFilePath); err != nil {
		collection.Add(errors.NewInternalError("failed to remove pidfile", err))
	}

	return collection.ToError()
}

// Reboot asks the backend to reload its configuration. The pid does not change.
func (s *Supervisor) Reboot(ctx context.Context) error {
	return s.signalRunning("reload", s.controller.Reload)
}

// Pause asks the backend to stop serving client traffic
func (s *Supervisor) Pause(ctx context.Context) error {
	return s.signalRunning("pause", s.controller.Pause)
}

// Resume undoes Pause
func (s *Supervisor) Resume(ctx context.Context) error {
	return s.signalRunning("resume", s.controller.Resume)
}

func (s *Supervisor) signalRunning(operation string, send func(pid int) error) error {
	config, err := s.loadConfig()
	if err != nil {
		return err
	}

	pid, err := s.readTarget(config)
	if err != nil {
		return err
	}

	if err := s.verifyIdentity(pid); err != nil {
		return err
	}

	if err := send(pid); err != nil {
		return errors.NewInternalError("failed to "+operation+" backend", err).WithContext("pid", pid)
	}
	s.logger.Infof("Backend %s requested, pid: %d", operation, pid)
	return nil
}

// readTarget returns the pid a signal command acts on. Any failure to
// produce one means there is no known instance.
func (s *Supervisor) readTarget(config *backendconfig.BackendConfig) (int, error) {
	pid, _, err := s.store.Read(config.PidFilePath, false)
	if err != nil {
		return 0, exitcode.WithCategory(exitcode.BadState,
			errors.NewNotFoundError("failed to find a running backend", err).WithContext("pidfile", config.PidFilePath))
	}
	return pid, nil
}

// verifyIdentity rejects pids whose command line names another program.
// A pid whose command line cannot be read is let through.
func (s *Supervisor) verifyIdentity(pid int) error {
	if !s.settings.Backend.VerifyIdentity {
		return nil
	}

	cmdline, err := s.controller.Identity(pid)
	if err != nil {
		s.logger.Debugf("Cannot verify backend identity, pid: %d, error: %v", pid, err)
		return nil
	}

	backend := s.settings.Backend
	if !processcontrol.MatchesIdentity(cmdline, backend.ProcessTitle, backend.ExecutablePath) {
		return errors.NewConflictError("pid does not belong to the backend", nil).
			WithContext("pid", pid).
			WithContext("cmdline", cmdline)
	}
	return nil
}
