package home

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.workbridge.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".workbridge")
}

// IdentityDir returns the per-identity directory. Cache, lock and logs are
// all scoped under it so nothing is shared between accounts.
func IdentityDir(userID string) string {
	return filepath.Join(BaseDir(), "identities", userID)
}

// CacheDBPath returns the local message cache path for an identity.
func CacheDBPath(userID string) string {
	return filepath.Join(IdentityDir(userID), "cache.db")
}

// LockPath returns the lock file path for an identity.
func LockPath(userID string) string {
	return filepath.Join(IdentityDir(userID), "LOCK")
}

// LogDir returns the log directory for an identity.
func LogDir(userID string) string {
	return filepath.Join(IdentityDir(userID), "logs")
}

// LogPath returns the client log file path for an identity.
func LogPath(userID string) string {
	return filepath.Join(LogDir(userID), "messaging.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the identity directory tree with 0700 permissions.
func EnsureDir(userID string) error {
	for _, d := range []string{IdentityDir(userID), LogDir(userID)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
