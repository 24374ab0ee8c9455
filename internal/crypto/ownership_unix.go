//go:build !windows

package crypto

import (
	"fmt"
	"os"
	"syscall"
)

// validateFileOwnership rejects an identity file not owned by the current
// user, on top of the permission-bits check in LoadIdentity.
func validateFileOwnership(info os.FileInfo) error {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	currentUID := uint32(os.Getuid())
	if stat.Uid != currentUID {
		return fmt.Errorf("identity file must be owned by current user (file uid: %d, current uid: %d)", stat.Uid, currentUID)
	}
	return nil
}
