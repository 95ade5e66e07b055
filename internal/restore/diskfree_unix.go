//go:build unix
// +build unix

package restore

import "golang.org/x/sys/unix"

// freeBytesAt reports the free space available on the filesystem containing
// dir.
func freeBytesAt(dir string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
