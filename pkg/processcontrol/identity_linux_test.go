//go:build linux

package processcontrol

import (
	"testing"

	"github.com/core-tools/hsu-pgbouncer/pkg/errors"
	"github.com/core-tools/hsu-pgbouncer/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentity(t *testing.T) {
	controller := NewController(logging.NewNullLogger())
	cmd := startSleeper(t)

	cmdline, err := controller.Identity(cmd.Process.Pid)
	require.NoError(t, err)
	assert.Contains(t, cmdline, "sleep")
	assert.Contains(t, cmdline, "30")
	assert.True(t, MatchesIdentity(cmdline, "sleep"))
}

func TestIdentity_DeadProcess(t *testing.T) {
	controller := NewController(logging.NewNullLogger())
	cmd := startSleeper(t)
	pid := cmd.Process.Pid
	require.NoError(t, cmd.Process.Kill())
	cmd.Wait()

	_, err := controller.Identity(pid)
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}
