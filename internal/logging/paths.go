package logging

import (
	"os"
	"path/filepath"
)

// DefaultLogDir returns the default log directory (~/.shardex/logs/).
// Falls back to temp directory if home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".shardex", "logs")
	}
	return filepath.Join(home, ".shardex", "logs")
}

// DefaultLogPath returns the default pipeline log path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "pipeline.log")
}
