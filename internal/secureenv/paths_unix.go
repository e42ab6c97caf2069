//go:build !windows

package secureenv

// registryPaths is only meaningful on Windows
func registryPaths() []string {
	return nil
}
