// Package backendconfig reads the handful of settings the supervisor needs
// out of the backend's own configuration file.
//
// The reader is a permissive subset parser: it only looks at lines starting
// with listen_port, pidfile or admin_users and ignores everything else,
// including comments and quoting. It is not a pgbouncer.ini grammar.
package backendconfig

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-pgbouncer/pkg/errors"
)

const (
	// MaxPathLength is the buffer size a pidfile path must fit in, terminator included
	MaxPathLength = 1024

	// MaxNameLength bounds the admin user name
	MaxNameLength = 64

	// MinListenPort and MaxListenPort are exclusive bounds.
	// The ceiling is 65353, not 65535, matching the checks deployed
	// configurations were validated against.
	MinListenPort = 1023
	MaxListenPort = 65353
)

const (
	keyListenPort = "listen_port"
	keyPidFile    = "pidfile"
	keyAdminUsers = "admin_users"
)

// BackendConfig is the validated subset of the backend configuration
type BackendConfig struct {
	ListenPort  int
	PidFilePath string
	AdminUser   string

	// Path is the file the record was read from
	Path string
}

// Load reads and validates the configuration file at path.
// A missing or unreadable file is an IO error, anything else wrong with
// the content is a validation error. No partial record is returned.
func Load(path string) (*BackendConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewIOError("configuration file does not exist", err).WithContext("path", path)
		}
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("path", path)
	}
	return Parse(data, path)
}

// Parse validates configuration content already in memory.
// The last occurrence of a key wins.
func Parse(data []byte, path string) (*BackendConfig, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.NewValidationError("configuration file is empty", nil).WithContext("path", path)
	}

	config := &BackendConfig{Path: path}
	found := map[string]bool{}

	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSuffix(line, "\r")
		lineNumber := i + 1

		key, value, ok := splitDirective(line)
		if !ok {
			continue
		}

		switch key {
		case keyListenPort:
			port, err := parsePort(value)
			if err != nil {
				return nil, lineError(err, path, key, value, lineNumber)
			}
			config.ListenPort = port

		case keyPidFile:
			if err := checkPath(value); err != nil {
				return nil, lineError(err, path, key, value, lineNumber)
			}
			config.PidFilePath = value

		case keyAdminUsers:
			user, err := parseAdminUser(value)
			if err != nil {
				return nil, lineError(err, path, key, value, lineNumber)
			}
			config.AdminUser = user
		}
		found[key] = true
	}

	for _, key := range []string{keyListenPort, keyPidFile, keyAdminUsers} {
		if !found[key] {
			return nil, errors.NewValidationError(
				fmt.Sprintf("failed to find %s in configuration file", key),
				nil,
			).WithContext("path", path).WithContext("key", key)
		}
	}

	return config, nil
}

// splitDirective returns the recognized key of line and the raw text after
// the first '=' with leading spaces and tabs skipped.
func splitDirective(line string) (string, string, bool) {
	var key string
	for _, candidate := range []string{keyListenPort, keyPidFile, keyAdminUsers} {
		if strings.HasPrefix(line, candidate) {
			key = candidate
			break
		}
	}
	if key == "" {
		return "", "", false
	}

	eq := strings.IndexByte(line, '=')
	if eq < 0 {
		return "", "", false
	}
	return key, strings.TrimLeft(line[eq+1:], " \t"), true
}

func parsePort(value string) (int, error) {
	port, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.NewValidationError("listen_port is not a valid integer", err)
	}
	if port <= MinListenPort || port >= MaxListenPort {
		return 0, errors.NewValidationError(
			fmt.Sprintf("listen_port %d is out of range", port),
			nil,
		).WithContext("valid_range", fmt.Sprintf("%d-%d", MinListenPort+1, MaxListenPort-1))
	}
	return port, nil
}

func checkPath(value string) error {
	if value == "" {
		return errors.NewValidationError("pidfile is empty", nil)
	}
	if len(value) >= MaxPathLength {
		return errors.NewValidationError(
			fmt.Sprintf("pidfile path is %d bytes long, maximum is %d", len(value), MaxPathLength-1),
			nil,
		)
	}
	return nil
}

// parseAdminUser keeps the first entry of a comma separated list
func parseAdminUser(value string) (string, error) {
	user := value
	if comma := strings.IndexByte(user, ','); comma >= 0 {
		user = user[:comma]
	}
	user = strings.Trim(user, " \t")

	if user == "" {
		return "", errors.NewValidationError("admin_users is empty", nil)
	}
	if len(user) > MaxNameLength {
		return "", errors.NewValidationError(
			fmt.Sprintf("admin user name is %d bytes long, maximum is %d", len(user), MaxNameLength),
			nil,
		)
	}
	return user, nil
}

func lineError(err error, path, key, value string, lineNumber int) error {
	return errors.NewValidationError(fmt.Sprintf("invalid %s in configuration file", key), err).
		WithContext("path", path).
		WithContext("line", lineNumber).
		WithContext("value", value)
}
