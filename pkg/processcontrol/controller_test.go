package processcontrol

import (
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/core-tools/hsu-pgbouncer/pkg/errors"
	"github.com/core-tools/hsu-pgbouncer/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSleeper(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	return cmd
}

func waitSignal(t *testing.T, cmd *exec.Cmd) syscall.Signal {
	t.Helper()
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	require.True(t, ok)
	require.True(t, status.Signaled())
	return status.Signal()
}

func TestProbe(t *testing.T) {
	controller := NewController(logging.NewNullLogger())
	cmd := startSleeper(t)

	assert.True(t, controller.Probe(cmd.Process.Pid))

	require.NoError(t, cmd.Process.Kill())
	cmd.Wait()
	assert.False(t, controller.Probe(cmd.Process.Pid))
}

func TestProbe_InvalidPid(t *testing.T) {
	controller := NewController(logging.NewNullLogger())

	assert.False(t, controller.Probe(0))
	assert.False(t, controller.Probe(-1))
}

func TestSignals(t *testing.T) {
	controller := NewController(logging.NewNullLogger())

	tests := []struct {
		name   string
		send   func(pid int) error
		signal syscall.Signal
	}{
		{"terminate", controller.Terminate, syscall.SIGINT},
		{"reload", controller.Reload, syscall.SIGHUP},
		{"pause", controller.Pause, syscall.SIGUSR1},
		{"resume", controller.Resume, syscall.SIGUSR2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := startSleeper(t)

			require.NoError(t, tt.send(cmd.Process.Pid))
			// sleep has no handlers, so the default action ends it with the same signal
			assert.Equal(t, tt.signal, waitSignal(t, cmd))
		})
	}
}

func TestSignal_DeadProcess(t *testing.T) {
	controller := NewController(logging.NewNullLogger())
	cmd := startSleeper(t)
	pid := cmd.Process.Pid
	require.NoError(t, cmd.Process.Kill())
	cmd.Wait()

	err := controller.Terminate(pid)
	require.Error(t, err)
	assert.True(t, errors.IsProcessError(err))
}

func TestSignal_InvalidPid(t *testing.T) {
	controller := NewController(logging.NewNullLogger())

	err := controller.Reload(0)
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestMatchesIdentity(t *testing.T) {
	assert.True(t, MatchesIdentity("pgbouncer -q /etc/pgbouncer.ini", "pgbouncer"))
	assert.True(t, MatchesIdentity("/usr/sbin/pgbouncer -q /etc/pgbouncer.ini", "pgbouncer"))
	assert.True(t, MatchesIdentity("pgbouncer /etc/pgbouncer.ini", "/usr/sbin/pgbouncer"))
	assert.True(t, MatchesIdentity("bouncer-main /etc/p.ini", "pgbouncer", "bouncer-main"))
	assert.False(t, MatchesIdentity("postgres -D /data", "pgbouncer"))
	assert.False(t, MatchesIdentity("", "pgbouncer"))
	assert.False(t, MatchesIdentity("pgbouncer", ""))
}
