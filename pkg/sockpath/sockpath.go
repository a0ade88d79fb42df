// Package sockpath provides the default Unix socket path for the deskd daemon.
// deskd and deskctl both use it to agree on the default.
package sockpath

import (
	"os"
	"path/filepath"
)

// DefaultSocketPath returns the default path for the deskd Unix socket.
// It prefers $XDG_RUNTIME_DIR/deskbridge/deskd.sock,
// falling back to ~/.config/deskbridge/deskd.sock.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "deskbridge", "deskd.sock")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "deskbridge", "deskd.sock")
}
