//go:build unix

package content

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AvailableSpace reports the free space of the filesystem holding the store.
func (d *Dir) AvailableSpace() (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(d.root, &stat); err != nil {
		return 0, fmt.Errorf("statfs: %w", err)
	}
	return uint64(stat.Bavail) * uint64(stat.Bsize), nil
}
