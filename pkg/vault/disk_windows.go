//go:build windows

package vault

import "golang.org/x/sys/windows"

func diskUsage(dir string) (DiskSpaceInfo, error) {
	p, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return DiskSpaceInfo{}, err
	}
	var avail, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(p, &avail, &total, &free); err != nil {
		return DiskSpaceInfo{}, err
	}
	return newDiskSpaceInfo(total, free, avail), nil
}
