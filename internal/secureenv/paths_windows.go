//go:build windows

package secureenv

import (
	"os"
	"strings"

	"golang.org/x/sys/windows/registry"
)

// readRegistryPath reads the user and system PATH from the registry. A host started by a
// service manager does not inherit the user's PATH, and the registry is the source of truth.
func readRegistryPath() (string, error) {
	var paths []string

	userKey, err := registry.OpenKey(registry.CURRENT_USER, `Environment`, registry.QUERY_VALUE)
	if err == nil {
		defer userKey.Close()
		if userPath, _, err := userKey.GetStringValue("Path"); err == nil && userPath != "" {
			// Stored as REG_EXPAND_SZ with embedded %VARS%
			paths = append(paths, os.ExpandEnv(userPath))
		}
	}

	sysKey, err := registry.OpenKey(registry.LOCAL_MACHINE,
		`SYSTEM\CurrentControlSet\Control\Session Manager\Environment`, registry.QUERY_VALUE)
	if err == nil {
		defer sysKey.Close()
		if systemPath, _, err := sysKey.GetStringValue("Path"); err == nil && systemPath != "" {
			paths = append(paths, os.ExpandEnv(systemPath))
		}
	}

	if len(paths) == 0 {
		return "", registry.ErrNotExist
	}
	// User PATH takes precedence
	return strings.Join(paths, string(os.PathListSeparator)), nil
}

// registryPaths returns the existing directories of the registry PATH
func registryPaths() []string {
	full, err := readRegistryPath()
	if err != nil {
		return nil
	}
	return existingDirs(strings.Split(full, string(os.PathListSeparator)))
}
