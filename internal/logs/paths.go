package logs

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	osWindows = "windows"
	osDarwin  = "darwin"
	osLinux   = "linux"

	appName = "mcphost"
)

// GetLogDir returns the standard log directory for the current OS
func GetLogDir() (string, error) {
	switch runtime.GOOS {
	case osWindows:
		return getWindowsLogDir()
	case osDarwin:
		return getMacOSLogDir()
	case osLinux:
		return getLinuxLogDir()
	default:
		return getDefaultLogDir()
	}
}

// getWindowsLogDir uses %LOCALAPPDATA%\mcphost\logs
func getWindowsLogDir() (string, error) {
	localAppData := os.Getenv("LOCALAPPDATA")
	if localAppData == "" {
		userProfile := os.Getenv("USERPROFILE")
		if userProfile == "" {
			return getDefaultLogDir()
		}
		localAppData = filepath.Join(userProfile, "AppData", "Local")
	}
	return filepath.Join(localAppData, appName, "logs"), nil
}

// getMacOSLogDir uses ~/Library/Logs/mcphost
func getMacOSLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return getDefaultLogDir()
	}
	return filepath.Join(homeDir, "Library", "Logs", appName), nil
}

// getLinuxLogDir uses $XDG_STATE_HOME/mcphost/logs, falling back to ~/.local/state
func getLinuxLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return getDefaultLogDir()
	}

	stateDir := os.Getenv("XDG_STATE_HOME")
	if stateDir == "" {
		stateDir = filepath.Join(homeDir, ".local", "state")
	}

	return filepath.Join(stateDir, appName, "logs"), nil
}

// getDefaultLogDir returns a fallback log directory
func getDefaultLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Last resort fallback to temp directory
		return filepath.Join(os.TempDir(), appName, "logs"), nil
	}
	return filepath.Join(homeDir, "."+appName, "logs"), nil
}

// EnsureLogDir creates the log directory if it doesn't exist
func EnsureLogDir(logDir string) error {
	return os.MkdirAll(logDir, 0700)
}

// GetLogFilePathWithDir returns the full path for a log file, using logDir when set
func GetLogFilePathWithDir(logDir, filename string) (string, error) {
	if logDir == "" {
		var err error
		if logDir, err = GetLogDir(); err != nil {
			return "", err
		}
	}

	// Expand user home directory if needed
	if strings.HasPrefix(logDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		logDir = filepath.Join(homeDir, logDir[2:])
	}

	if err := EnsureLogDir(logDir); err != nil {
		return "", err
	}

	return filepath.Join(logDir, filename), nil
}
