package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/core-tools/hsu-pgbouncer/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bouncerctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()

	assert.Equal(t, "pgbouncer", s.Backend.ExecutablePath)
	assert.Equal(t, []string{"-q"}, s.Backend.Args)
	assert.False(t, s.Backend.VerifyIdentity)
	assert.Zero(t, s.Backend.PidfileWait)
	assert.Equal(t, PidfileLockingAdvisory, s.Pidfile.Locking)
	assert.Equal(t, "psql", s.Admin.ClientPath)
	assert.Equal(t, "pgbouncer", s.Admin.Database)
	assert.Equal(t, "SHOW STATS;", s.Admin.StatsCommand)
	assert.Equal(t, "info", s.Logging.Level)
	assert.Equal(t, 10, s.Logging.MaxSizeMB)
	assert.Equal(t, 3, s.Logging.MaxBackups)
	assert.Equal(t, 7, s.Logging.MaxAgeDays)

	assert.NoError(t, ValidateSettings(s))
}

func TestLoadSettingsFromFile(t *testing.T) {
	tests := []struct {
		name        string
		yaml        string
		expectError bool
		validate    func(*testing.T, *Settings)
	}{
		{
			name: "full settings",
			yaml: `
backend:
  executable_path: /usr/sbin/pgbouncer
  args: ["-q", "-v"]
  process_title: "pgbouncer: monitor"
  verify_identity: true
  pidfile_wait: 5s
  write_pidfile: true
pidfile:
  locking: flock
admin:
  client_path: /usr/bin/psql
  host: /var/run/postgresql
  database: pgbouncer
  stats_command: "SHOW POOLS;"
logging:
  level: debug
  file: /var/log/bouncerctl.log
  max_size_mb: 50
  max_backups: 5
  max_age_days: 30
  lock_file: /run/bouncerctl.lock
`,
			validate: func(t *testing.T, s *Settings) {
				assert.Equal(t, "/usr/sbin/pgbouncer", s.Backend.ExecutablePath)
				assert.Equal(t, []string{"-q", "-v"}, s.Backend.Args)
				assert.Equal(t, "pgbouncer: monitor", s.Backend.ProcessTitle)
				assert.True(t, s.Backend.VerifyIdentity)
				assert.Equal(t, 5*time.Second, s.Backend.PidfileWait)
				assert.True(t, s.Backend.WritePidfile)
				assert.Equal(t, PidfileLockingFlock, s.Pidfile.Locking)
				assert.Equal(t, "/var/run/postgresql", s.Admin.Host)
				assert.Equal(t, "SHOW POOLS;", s.Admin.StatsCommand)
				assert.Equal(t, "debug", s.Logging.Level)
				assert.Equal(t, 50, s.Logging.MaxSizeMB)
				assert.Equal(t, "/run/bouncerctl.lock", s.Logging.LockFile)
			},
		},
		{
			name: "partial settings get defaults",
			yaml: `
backend:
  executable_path: /opt/pgbouncer/bin/pgbouncer
logging:
  level: warn
`,
			validate: func(t *testing.T, s *Settings) {
				assert.Equal(t, "/opt/pgbouncer/bin/pgbouncer", s.Backend.ExecutablePath)
				assert.Equal(t, []string{"-q"}, s.Backend.Args)
				assert.Equal(t, PidfileLockingAdvisory, s.Pidfile.Locking)
				assert.Equal(t, "psql", s.Admin.ClientPath)
				assert.Equal(t, "warn", s.Logging.Level)
				assert.Equal(t, 10, s.Logging.MaxSizeMB)
			},
		},
		{
			name:        "invalid yaml",
			yaml:        "backend: [unclosed",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := LoadSettingsFromFile(writeSettings(t, tt.yaml))
			if tt.expectError {
				require.Error(t, err)
				assert.True(t, errors.IsValidationError(err))
				return
			}
			require.NoError(t, err)
			require.NoError(t, ValidateSettings(s))
			tt.validate(t, s)
		})
	}
}

func TestLoadSettingsFromFile_Missing(t *testing.T) {
	_, err := LoadSettingsFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsIOError(err))
}

func TestValidateSettings(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Settings)
	}{
		{"empty executable", func(s *Settings) { s.Backend.ExecutablePath = "" }},
		{"negative pidfile wait", func(s *Settings) { s.Backend.PidfileWait = -time.Second }},
		{"unknown locking", func(s *Settings) { s.Pidfile.Locking = "lockf" }},
		{"empty client", func(s *Settings) { s.Admin.ClientPath = "" }},
		{"empty database", func(s *Settings) { s.Admin.Database = "" }},
		{"unknown level", func(s *Settings) { s.Logging.Level = "trace" }},
		{"negative rotation", func(s *Settings) { s.Logging.MaxBackups = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.modify(s)

			err := ValidateSettings(s)
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err))
		})
	}

	assert.Error(t, ValidateSettings(nil))
}
