//go:build windows

package crypto

import "os"

// validateFileOwnership is a no-op on Windows, which has no Unix-style
// uid/gid to compare; ACL-based checks are out of scope here.
func validateFileOwnership(info os.FileInfo) error {
	return nil
}
