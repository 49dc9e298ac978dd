package log

import (
	"os"
	"path/filepath"
	"runtime"
)

var (
	logDir     string
	logDirOnce bool
)

// GetLogDir returns the platform-specific log directory.
// - Linux: /var/log/edgespeed/ when writable
// - Other platforms: ~/.edgespeed/
// - Fallback: temp directory
// The directory is created if it doesn't exist.
func GetLogDir() string {
	if logDirOnce {
		return logDir
	}

	logDir = determineLogDir()
	logDirOnce = true

	if err := os.MkdirAll(logDir, 0755); err != nil {
		logDir = filepath.Join(os.TempDir(), "edgespeed")
		_ = os.MkdirAll(logDir, 0755)
	}

	return logDir
}

func determineLogDir() string {
	switch runtime.GOOS {
	case "linux":
		varLogDir := "/var/log/edgespeed"
		if err := os.MkdirAll(varLogDir, 0755); err == nil {
			testFile := filepath.Join(varLogDir, ".write_test")
			if f, err := os.Create(testFile); err == nil {
				_ = f.Close()
				_ = os.Remove(testFile)
				return varLogDir
			}
		}
		return getUserLogDir()
	default:
		return getUserLogDir()
	}
}

func getUserLogDir() string {
	homeDir, err := os.UserHomeDir()
	if err == nil {
		userLogDir := filepath.Join(homeDir, ".edgespeed")
		if err := os.MkdirAll(userLogDir, 0755); err == nil {
			return userLogDir
		}
	}
	return filepath.Join(os.TempDir(), "edgespeed")
}

// GetLogFilePath returns the full path to the main log file.
func GetLogFilePath() string {
	return filepath.Join(GetLogDir(), "edgespeed.log")
}

// GetStatsFilePath returns the full path to a stats file.
func GetStatsFilePath(name string) string {
	return filepath.Join(GetLogDir(), name)
}
