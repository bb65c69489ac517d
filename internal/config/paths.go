package config

import (
	"os"
	"path/filepath"
)

// Dir returns the perch state directory (~/.perch), honoring PERCH_DIR for
// tests and unusual setups.
func Dir() (string, error) {
	if d := os.Getenv("PERCH_DIR"); d != "" {
		return d, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".perch"), nil
}

// FilePath returns the daemon config file inside dir.
func FilePath(dir string) string {
	return filepath.Join(dir, "config.yaml")
}

// SocketPath returns the control socket inside dir.
func SocketPath(dir string) string {
	return filepath.Join(dir, "perchd.sock")
}

// DBPath returns the device store database inside dir.
func DBPath(dir string) string {
	return filepath.Join(dir, "devices.db")
}

// SessionsDir returns the per-project session log directory inside dir.
func SessionsDir(dir, slug string) string {
	return filepath.Join(dir, "sessions", slug)
}

// LogPath returns the daemon log file inside dir.
func LogPath(dir string) string {
	return filepath.Join(dir, "perchd.log")
}

// EnsureDir creates the state directory if it does not exist.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}
