package supervisor

import (
	"context"
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/core-tools/hsu-pgbouncer/pkg/errors"
)

// Execer replaces the current process image. Exec only returns on failure.
type Execer interface {
	Exec(argv []string, env []string) error
}

type processExecer struct{}

func NewExecer() Execer {
	return processExecer{}
}

func (processExecer) Exec(argv []string, env []string) error {
	if len(argv) == 0 {
		return errors.NewValidationError("empty argument vector", nil)
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return errors.NewNotFoundError("executable not found", err).WithContext("executable", argv[0])
	}
	return unix.Exec(path, argv, env)
}

// StatusCommand returns the inspection client invocation for the
// administrative console of the backend.
func (s *Supervisor) StatusCommand() ([]string, error) {
	config, err := s.loadConfig()
	if err != nil {
		return nil, err
	}

	admin := s.settings.Admin
	argv := []string{
		admin.ClientPath,
		"-p", strconv.Itoa(config.ListenPort),
		"-U", config.AdminUser,
	}
	if admin.Host != "" {
		argv = append(argv, "-h", admin.Host)
	}
	argv = append(argv, "-d", admin.Database, "-c", admin.StatsCommand)
	return argv, nil
}

// Status replaces the current process with the inspection client, whose
// report goes straight to our standard streams. It returns only on failure.
func (s *Supervisor) Status(ctx context.Context) error {
	argv, err := s.StatusCommand()
	if err != nil {
		return err
	}

	s.logger.Debugf("Running inspection client, argv: %v", argv)
	s.flushLogs()

	err = s.execer.Exec(argv, os.Environ())
	return errors.NewInternalError("failed to run inspection client", err).WithContext("client", argv[0])
}
