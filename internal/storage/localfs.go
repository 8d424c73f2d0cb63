package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// remoteFilesystems lists filesystem types on which SQLite's POSIX advisory
// locks are unreliable. The ledger's unique (provider, event_id) key only
// serializes concurrent deliveries if those locks hold.
var remoteFilesystems = []string{"afpfs", "cifs", "nfs", "nfs4", "smbfs", "smb2", "webdav", "fuse.sshfs"}

type fsTypeFunc func(path string) (string, error)

func requireLocalFilesystem(dbPath string) error {
	return requireLocalFilesystemWith(dbPath, filesystemType)
}

func requireLocalFilesystemWith(dbPath string, fsType fsTypeFunc) error {
	if dbPath == "" {
		return fmt.Errorf("sqlite path is empty")
	}

	existing, err := closestExistingDir(dbPath)
	if err != nil {
		return fmt.Errorf("resolve state path %q: %w", dbPath, err)
	}

	kind, err := fsType(existing)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}

	if isRemoteFilesystem(kind) {
		return fmt.Errorf("state path %q is on %s; the webhook ledger needs SQLite on a local disk so duplicate deliveries serialize correctly (set state.path to a local file)", dbPath, kind)
	}
	return nil
}

// closestExistingDir walks up from path until it finds something that exists,
// so the check works before the database file has been created.
func closestExistingDir(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for dir := abs; ; dir = filepath.Dir(dir) {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		if filepath.Dir(dir) == dir {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
	}
}

func isRemoteFilesystem(kind string) bool {
	kind = strings.ToLower(strings.TrimSpace(kind))
	for _, remote := range remoteFilesystems {
		if kind == remote {
			return true
		}
	}
	return false
}
