//go:build !windows

package mcp

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func openPolicyFile(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	switch {
	case errors.Is(err, unix.ENOENT):
		return nil, ErrPolicyNotFound
	case errors.Is(err, unix.ELOOP), errors.Is(err, unix.EMLINK):
		return nil, ErrPolicySymlink
	case err != nil:
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return os.NewFile(uintptr(fd), path), nil
}

// checkPolicyFile requires a regular file owned by the current user with no
// group or world access.
func checkPolicyFile(f *os.File) error {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return fmt.Errorf("failed to stat policy file: %w", err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return fmt.Errorf("%w: not a regular file", ErrPolicyInsecure)
	}
	if perm := st.Mode & 0o777; perm&0o077 != 0 {
		return fmt.Errorf("%w: %o (expected 0600)", ErrPolicyInsecure, perm)
	}
	if int(st.Uid) != os.Getuid() {
		return ErrPolicyNotOwnedByUser
	}
	return nil
}
