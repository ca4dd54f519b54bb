package main

import (
	"context"
	"fmt"
	"os"

	"github.com/core-tools/hsu-pgbouncer/pkg/exitcode"
	"github.com/core-tools/hsu-pgbouncer/pkg/logging"
	zaplogging "github.com/core-tools/hsu-pgbouncer/pkg/logging/zap"
	"github.com/core-tools/hsu-pgbouncer/pkg/pidfile"
	"github.com/core-tools/hsu-pgbouncer/pkg/processcontrol"
	"github.com/core-tools/hsu-pgbouncer/pkg/settings"
	"github.com/core-tools/hsu-pgbouncer/pkg/supervisor"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config   string `long:"config" short:"c" description:"Backend configuration file path (pgbouncer.ini)" required:"true"`
	Settings string `long:"settings" short:"s" description:"Supervisor settings file path (YAML)"`
	Verbose  bool   `long:"verbose" short:"v" description:"Log at debug level"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-cli , ", module)
}

// command defers the actual work until parsing succeeded, so that parse
// errors and command errors exit with different codes.
type command struct {
	name     string
	run      func(ctx context.Context, s *supervisor.Supervisor, logger logging.Logger) error
	selected *command
}

func (c *command) Execute(args []string) error {
	*c.selected = *c
	return nil
}

func main() {
	os.Exit(int(run(os.Args[1:])))
}

func run(argv []string) exitcode.Code {
	var opts flagOptions
	var selected command
	parser := flags.NewParser(&opts, flags.HelpFlag)

	commands := []struct {
		name, short, long string
		run               func(ctx context.Context, s *supervisor.Supervisor, logger logging.Logger) error
	}{
		{"start", "Start the backend", "Start the backend and wait for the spawned process to exit", runStart},
		{"stop", "Stop the backend", "Send the backend a graceful shutdown signal and remove its pidfile", runStop},
		{"reboot", "Reload the backend configuration", "Ask the backend to re-read its configuration file", runReboot},
		{"pause", "Pause client traffic", "Ask the backend to pause all client connections", runPause},
		{"resume", "Resume client traffic", "Resume client connections after pause", runResume},
		{"status", "Show backend statistics", "Run the inspection client against the backend admin console", runStatus},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, c.long, &command{name: c.name, run: c.run, selected: &selected}); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to register command %s: %v\n", c.name, err)
			return exitcode.InternalError
		}
	}

	if _, err := parser.ParseArgs(argv); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			return exitcode.Success
		}
		fmt.Fprintf(os.Stderr, "Command line flags parsing failed: %v\n", err)
		return exitcode.BadArgs
	}
	if selected.run == nil {
		fmt.Fprintln(os.Stderr, "Command line flags parsing failed: no command given")
		return exitcode.BadArgs
	}

	cfg, settingsErr := loadSettings(opts.Settings)

	zapLogger, err := zaplogging.NewZapSprintfLogger(zaplogging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		LockFile:   cfg.Logging.LockFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return exitcode.BadConfig
	}
	defer zapLogger.Close()

	if opts.Verbose {
		zapLogger.SetLevel("debug")
	}

	logger := zapLogger.Logger(logPrefix("bouncerctl"))

	if settingsErr != nil {
		logger.Errorf("Failed to load settings: %v", settingsErr)
		return exitcode.FromError(settingsErr)
	}
	if err := zapLogger.LockError(); err != nil {
		logger.Debugf("Log writes are not serialized across processes: %v", err)
	}

	var store pidfile.Store
	switch cfg.Pidfile.Locking {
	case settings.PidfileLockingFlock:
		lockedStore := pidfile.NewLockedStore(logger)
		defer lockedStore.Close()
		store = lockedStore
	default:
		store = pidfile.NewAdvisoryStore(logger)
	}

	s, err := supervisor.NewSupervisor(supervisor.Options{
		Invocation: supervisor.Invocation{ConfigPath: opts.Config},
		Settings:   cfg,
		Store:      store,
		Controller: processcontrol.NewController(logger),
		Spawner:    processcontrol.NewSpawner(logger),
		Execer:     supervisor.NewExecer(),
		Logger:     logger,
		Flush:      zapLogger.Sync,
		LogSyncID:  zapLogger.SyncIdentifier(),
	})
	if err != nil {
		logger.Errorf("Failed to create supervisor: %v", err)
		return exitcode.FromError(err)
	}

	logger.Debugf("Running command, command: %s, config: %s, invocation: %s", selected.name, opts.Config, zapLogger.InvocationID())

	if err := selected.run(context.Background(), s, logger); err != nil {
		logger.Errorf("Failed to %s: %v", selected.name, err)
		return exitcode.FromError(err)
	}
	return exitcode.Success
}

// loadSettings returns defaults next to any error so a logger can still be built
func loadSettings(path string) (*settings.Settings, error) {
	if path == "" {
		return settings.DefaultSettings(), nil
	}

	cfg, err := settings.LoadSettingsFromFile(path)
	if err != nil {
		return settings.DefaultSettings(), err
	}
	if err := settings.ValidateSettings(cfg); err != nil {
		return settings.DefaultSettings(), err
	}
	return cfg, nil
}

func runStart(ctx context.Context, s *supervisor.Supervisor, logger logging.Logger) error {
	result, err := s.Start(ctx)
	if err != nil {
		return err
	}
	if result.BackendPID != 0 {
		logger.Infof("Backend started, pid: %d", result.BackendPID)
	}
	return nil
}

func runStop(ctx context.Context, s *supervisor.Supervisor, logger logging.Logger) error {
	return s.Stop(ctx)
}

func runReboot(ctx context.Context, s *supervisor.Supervisor, logger logging.Logger) error {
	return s.Reboot(ctx)
}

func runPause(ctx context.Context, s *supervisor.Supervisor, logger logging.Logger) error {
	return s.Pause(ctx)
}

func runResume(ctx context.Context, s *supervisor.Supervisor, logger logging.Logger) error {
	return s.Resume(ctx)
}

func runStatus(ctx context.Context, s *supervisor.Supervisor, logger logging.Logger) error {
	return s.Status(ctx)
}
