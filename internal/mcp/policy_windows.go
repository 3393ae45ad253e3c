//go:build windows

package mcp

import (
	"fmt"
	"os"
)

// openPolicyFile refuses symlinks and other reparse points.
func openPolicyFile(path string) (*os.File, error) {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, ErrPolicySymlink
	}
	return os.Open(path)
}

// checkPolicyFile only requires a regular file. Access is governed by ACLs
// on Windows, so mode bits and ownership are not checked.
func checkPolicyFile(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat policy file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: not a regular file", ErrPolicyInsecure)
	}
	return nil
}
