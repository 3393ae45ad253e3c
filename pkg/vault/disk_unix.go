//go:build unix

package vault

import "golang.org/x/sys/unix"

func diskUsage(dir string) (DiskSpaceInfo, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return DiskSpaceInfo{}, err
	}
	bsize := uint64(st.Bsize)
	return newDiskSpaceInfo(uint64(st.Blocks)*bsize, uint64(st.Bfree)*bsize, uint64(st.Bavail)*bsize), nil
}
