package vault

import (
	"context"
	"fmt"
	"os"
)

// Snapshot writes a consistent copy of the note database to dst, which
// must not exist yet. The vault must be unlocked so the copy is taken
// through the open connection.
func (v *Vault) Snapshot(ctx context.Context, dst string) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.dek == nil {
		return ErrVaultLocked
	}

	if _, err := v.db.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("vault: failed to snapshot database: %w", err)
	}
	if err := os.Chmod(dst, FileMode); err != nil {
		return fmt.Errorf("vault: failed to set snapshot permissions: %w", err)
	}
	return nil
}
