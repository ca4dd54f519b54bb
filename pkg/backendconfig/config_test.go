package backendconfig

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/core-tools/hsu-pgbouncer/pkg/errors"
	"github.com/core-tools/hsu-pgbouncer/pkg/exitcode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pgbouncer.ini")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `[databases]
* = host=localhost port=5432

[pgbouncer]
listen_port = 6432
pidfile = /tmp/t.pid
admin_users = alice,bob
`)

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 6432, config.ListenPort)
	assert.Equal(t, "/tmp/t.pid", config.PidFilePath)
	assert.Equal(t, "alice", config.AdminUser)
	assert.Equal(t, path, config.Path)
}

func TestParse_LastOccurrenceWins(t *testing.T) {
	config, err := Parse([]byte(`listen_port = 6432
pidfile = /tmp/first.pid
admin_users = alice
listen_port = 7432
pidfile = /tmp/second.pid
admin_users = carol, dave
`), "test.ini")
	require.NoError(t, err)

	assert.Equal(t, 7432, config.ListenPort)
	assert.Equal(t, "/tmp/second.pid", config.PidFilePath)
	assert.Equal(t, "carol", config.AdminUser)
}

func TestParse_SeparatorWhitespace(t *testing.T) {
	config, err := Parse([]byte("listen_port =\t 6432\r\npidfile=/run/pgbouncer.pid\r\nadmin_users =  \talice\r\n"), "test.ini")
	require.NoError(t, err)

	assert.Equal(t, 6432, config.ListenPort)
	assert.Equal(t, "/run/pgbouncer.pid", config.PidFilePath)
	assert.Equal(t, "alice", config.AdminUser)
}

func TestParse_IgnoresUnrecognizedLines(t *testing.T) {
	config, err := Parse([]byte(`; listen_port = 1
  listen_port = 2
auth_type = trust
listen_port = 6432
pidfile = /tmp/t.pid
admin_users = alice
admin_users
`), "test.ini")
	require.NoError(t, err)
	assert.Equal(t, 6432, config.ListenPort)
	assert.Equal(t, "alice", config.AdminUser)
}

func TestParse_MissingKeys(t *testing.T) {
	full := map[string]string{
		"listen_port": "listen_port = 6432",
		"pidfile":     "pidfile = /tmp/t.pid",
		"admin_users": "admin_users = alice",
	}

	for missing := range full {
		t.Run(missing, func(t *testing.T) {
			var lines []string
			for key, line := range full {
				if key != missing {
					lines = append(lines, line)
				}
			}

			config, err := Parse([]byte(strings.Join(lines, "\n")), "test.ini")
			require.Error(t, err)
			assert.Nil(t, config)
			assert.True(t, errors.IsValidationError(err))
			assert.Contains(t, err.Error(), missing)
			assert.Equal(t, exitcode.BadConfig, exitcode.FromError(err))
		})
	}
}

func TestParse_PortBoundaries(t *testing.T) {
	tests := []struct {
		port  string
		valid bool
	}{
		{"1023", false},
		{"1024", true},
		{"6432", true},
		{"65352", true},
		{"65353", false},
		{"65535", false},
		{"0", false},
		{"-6432", false},
	}

	for _, tt := range tests {
		t.Run(tt.port, func(t *testing.T) {
			content := "listen_port = " + tt.port + "\npidfile = /tmp/t.pid\nadmin_users = alice\n"
			config, err := Parse([]byte(content), "test.ini")
			if tt.valid {
				require.NoError(t, err)
				assert.Equal(t, tt.port, strconv.Itoa(config.ListenPort))
			} else {
				require.Error(t, err)
				assert.Equal(t, exitcode.BadConfig, exitcode.FromError(err))
			}
		})
	}
}

func TestParse_PortTrailingGarbage(t *testing.T) {
	for _, value := range []string{"6432abc", "64 32", "0x1920", "6432.0", ""} {
		content := "listen_port = " + value + "\npidfile = /tmp/t.pid\nadmin_users = alice\n"
		_, err := Parse([]byte(content), "test.ini")
		assert.Error(t, err, value)
	}
}

func TestParse_ErrorContextNamesLine(t *testing.T) {
	_, err := Parse([]byte("pidfile = /tmp/t.pid\nlisten_port = nope\nadmin_users = alice\n"), "test.ini")
	require.Error(t, err)

	var de *errors.DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 2, de.Context["line"])
	assert.Equal(t, "nope", de.Context["value"])
}

func TestParse_LengthLimits(t *testing.T) {
	okPath := "/" + strings.Repeat("p", MaxPathLength-2)
	longPath := "/" + strings.Repeat("p", MaxPathLength-1)

	_, err := Parse([]byte("listen_port = 6432\npidfile = "+okPath+"\nadmin_users = alice\n"), "test.ini")
	assert.NoError(t, err)

	_, err = Parse([]byte("listen_port = 6432\npidfile = "+longPath+"\nadmin_users = alice\n"), "test.ini")
	assert.Error(t, err)

	okUser := strings.Repeat("u", MaxNameLength)
	longUser := strings.Repeat("u", MaxNameLength+1)

	config, err := Parse([]byte("listen_port = 6432\npidfile = /tmp/t.pid\nadmin_users = "+okUser+",bob\n"), "test.ini")
	require.NoError(t, err)
	assert.Equal(t, okUser, config.AdminUser)

	_, err = Parse([]byte("listen_port = 6432\npidfile = /tmp/t.pid\nadmin_users = "+longUser+"\n"), "test.ini")
	assert.Error(t, err)
}

func TestParse_EmptyValues(t *testing.T) {
	_, err := Parse([]byte("listen_port = 6432\npidfile = \nadmin_users = alice\n"), "test.ini")
	assert.Error(t, err)

	_, err = Parse([]byte("listen_port = 6432\npidfile = /tmp/t.pid\nadmin_users = ,bob\n"), "test.ini")
	assert.Error(t, err)
}

func TestLoad_EmptyFile(t *testing.T) {
	path := writeConfig(t, "\n  \n")

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
	assert.Equal(t, exitcode.BadConfig, exitcode.FromError(err))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.ini"))
	require.Error(t, err)
	assert.True(t, errors.IsIOError(err))
	assert.Equal(t, exitcode.BadConfig, exitcode.FromError(err))
}
