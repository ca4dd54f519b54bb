package settings

import (
	"fmt"
	"os"
	"time"

	"github.com/core-tools/hsu-pgbouncer/pkg/errors"

	"gopkg.in/yaml.v3"
)

// Settings is the supervisor's own configuration. Everything about the
// backend instance itself comes from the backend configuration file.
type Settings struct {
	Backend BackendSettings `yaml:"backend"`
	Pidfile PidfileSettings `yaml:"pidfile"`
	Admin   AdminSettings   `yaml:"admin"`
	Logging LoggingSettings `yaml:"logging"`
}

type BackendSettings struct {
	ExecutablePath string   `yaml:"executable_path"`
	Args           []string `yaml:"args"`
	ProcessTitle   string   `yaml:"process_title,omitempty"`

	// VerifyIdentity refuses to signal a pid whose command line does not name the backend
	VerifyIdentity bool `yaml:"verify_identity,omitempty"`

	// PidfileWait is how long start waits for the backend to write its pidfile after a clean exit
	PidfileWait time.Duration `yaml:"pidfile_wait,omitempty"`

	// WritePidfile makes start record the spawned child's pid itself, for
	// backends that do not write their own pidfile
	WritePidfile bool `yaml:"write_pidfile,omitempty"`
}

// PidfileLocking selects the pidfile store implementation
type PidfileLocking string

const (
	PidfileLockingAdvisory PidfileLocking = "advisory"
	PidfileLockingFlock    PidfileLocking = "flock"
)

type PidfileSettings struct {
	Locking PidfileLocking `yaml:"locking"`
}

// AdminSettings describe the inspection client run by the status command
type AdminSettings struct {
	ClientPath   string `yaml:"client_path"`
	Host         string `yaml:"host,omitempty"`
	Database     string `yaml:"database"`
	StatsCommand string `yaml:"stats_command"`
}

type LoggingSettings struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	LockFile   string `yaml:"lock_file,omitempty"`
}

// DefaultSettings is what the supervisor runs with when no settings file is given
func DefaultSettings() *Settings {
	s := &Settings{}
	setSettingsDefaults(s)
	return s
}

// LoadSettingsFromFile loads supervisor settings from a YAML file and applies defaults
func LoadSettingsFromFile(filename string) (*Settings, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read settings file", err).WithContext("filename", filename)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML settings", err).WithContext("filename", filename)
	}

	setSettingsDefaults(&s)

	return &s, nil
}

// setSettingsDefaults applies default values to settings
func setSettingsDefaults(s *Settings) {
	if s.Backend.ExecutablePath == "" {
		s.Backend.ExecutablePath = "pgbouncer"
	}
	if s.Backend.Args == nil {
		s.Backend.Args = []string{"-q"} // quiet, the supervisor logs lifecycle events itself
	}

	if s.Pidfile.Locking == "" {
		s.Pidfile.Locking = PidfileLockingAdvisory
	}

	if s.Admin.ClientPath == "" {
		s.Admin.ClientPath = "psql"
	}
	if s.Admin.Database == "" {
		s.Admin.Database = "pgbouncer"
	}
	if s.Admin.StatsCommand == "" {
		s.Admin.StatsCommand = "SHOW STATS;"
	}

	if s.Logging.Level == "" {
		s.Logging.Level = "info"
	}
	if s.Logging.MaxSizeMB == 0 {
		s.Logging.MaxSizeMB = 10
	}
	if s.Logging.MaxBackups == 0 {
		s.Logging.MaxBackups = 3
	}
	if s.Logging.MaxAgeDays == 0 {
		s.Logging.MaxAgeDays = 7
	}
}

// ValidateSettings validates the entire settings structure
func ValidateSettings(s *Settings) error {
	if s == nil {
		return errors.NewValidationError("settings cannot be nil", nil)
	}

	if err := validateBackendSettings(&s.Backend); err != nil {
		return errors.NewValidationError("invalid backend settings", err)
	}
	if err := validatePidfileSettings(&s.Pidfile); err != nil {
		return errors.NewValidationError("invalid pidfile settings", err)
	}
	if err := validateAdminSettings(&s.Admin); err != nil {
		return errors.NewValidationError("invalid admin settings", err)
	}
	if err := validateLoggingSettings(&s.Logging); err != nil {
		return errors.NewValidationError("invalid logging settings", err)
	}

	return nil
}

func validateBackendSettings(s *BackendSettings) error {
	if s.ExecutablePath == "" {
		return errors.NewValidationError("executable path cannot be empty", nil)
	}
	if s.PidfileWait < 0 {
		return errors.NewValidationError(
			fmt.Sprintf("pidfile wait cannot be negative: %v", s.PidfileWait),
			nil,
		)
	}
	return nil
}

func validatePidfileSettings(s *PidfileSettings) error {
	switch s.Locking {
	case PidfileLockingAdvisory, PidfileLockingFlock:
		return nil
	default:
		return errors.NewValidationError(
			fmt.Sprintf("unsupported pidfile locking: %s", s.Locking),
			nil,
		).WithContext("supported_locking", "advisory, flock")
	}
}

func validateAdminSettings(s *AdminSettings) error {
	if s.ClientPath == "" {
		return errors.NewValidationError("client path cannot be empty", nil)
	}
	if s.Database == "" {
		return errors.NewValidationError("admin database cannot be empty", nil)
	}
	return nil
}

func validateLoggingSettings(s *LoggingSettings) error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	valid := false
	for _, level := range validLogLevels {
		if s.Level == level {
			valid = true
			break
		}
	}
	if !valid {
		return errors.NewValidationError(
			fmt.Sprintf("invalid log level: %s", s.Level),
			nil,
		).WithContext("valid_levels", "debug, info, warn, error")
	}

	if s.MaxSizeMB < 0 || s.MaxBackups < 0 || s.MaxAgeDays < 0 {
		return errors.NewValidationError("log rotation limits cannot be negative", nil).
			WithContext("max_size_mb", s.MaxSizeMB).
			WithContext("max_backups", s.MaxBackups).
			WithContext("max_age_days", s.MaxAgeDays)
	}

	return nil
}
