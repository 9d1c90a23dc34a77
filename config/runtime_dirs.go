package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// RuntimeDirs holds the runtime paths of the classifier daemon:
//
//	{base}/          - runtime root
//	{base}/db/       - event database directory
//	{base}/sock/     - gRPC socket directory
//	{base}/.lock     - single-instance lock file
//
// RuntimeDirs is immutable after construction. Use NewRuntimeDirs to create.
type RuntimeDirs struct {
	base string
	db   string
	sock string
	lock string
}

// DefaultRuntimeBase returns the platform's default runtime root.
func DefaultRuntimeBase() string {
	if runtime.GOOS == "windows" {
		root := os.Getenv("ProgramData")
		if root == "" {
			root = `C:\ProgramData`
		}
		return filepath.Join(root, "eatguard")
	}
	return "/run/eatguard"
}

// DefaultRuntimeDirs returns RuntimeDirs with production defaults.
func DefaultRuntimeDirs() RuntimeDirs {
	dirs, err := NewRuntimeDirs(DefaultRuntimeBase())
	if err != nil {
		panic(fmt.Sprintf("DefaultRuntimeDirs: %v", err))
	}
	return dirs
}

// NewRuntimeDirs creates RuntimeDirs rooted at base, which must be an
// absolute path.
func NewRuntimeDirs(base string) (RuntimeDirs, error) {
	if base == "" {
		return RuntimeDirs{}, fmt.Errorf("base path cannot be empty")
	}
	if !filepath.IsAbs(base) {
		return RuntimeDirs{}, fmt.Errorf("base path must be absolute, got %q", base)
	}
	return RuntimeDirs{
		base: base,
		db:   filepath.Join(base, "db"),
		sock: filepath.Join(base, "sock"),
		lock: filepath.Join(base, ".lock"),
	}, nil
}

// Base returns the runtime root path.
func (d RuntimeDirs) Base() string { return d.base }

// DB returns the database directory path.
func (d RuntimeDirs) DB() string { return d.db }

// Sock returns the gRPC socket directory path.
func (d RuntimeDirs) Sock() string { return d.sock }

// Lock returns the single-instance lock file path.
func (d RuntimeDirs) Lock() string { return d.lock }

// SocketPath returns the full path to the gRPC socket.
func (d RuntimeDirs) SocketPath() string {
	return filepath.Join(d.sock, "eatguard.sock")
}

// DBPath returns the full path to the SQLite event database.
func (d RuntimeDirs) DBPath() string {
	return filepath.Join(d.db, "events.db")
}

// EnsureDirectories creates the runtime root, the database directory
// and the socket directory. MkdirAll is idempotent.
func (d RuntimeDirs) EnsureDirectories() error {
	for _, dir := range []string{d.base, d.db, d.sock} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
