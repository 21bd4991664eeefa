package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// SQLite's POSIX locks are unreliable on these.
var networkFilesystems = []string{"afpfs", "afs", "ceph", "cifs", "nfs", "smb2", "smbfs", "webdav"}

// errDetectionUnsupported is returned by detectFilesystemType on platforms
// where we cannot tell; the check is then skipped.
var errDetectionUnsupported = errors.New("filesystem detection is unsupported on this platform")

// ErrNetworkFilesystem is wrapped by CheckLocalFilesystem when the database
// would live on a network mount.
var ErrNetworkFilesystem = errors.New("sqlite database on a network filesystem")

type fsDetector func(path string) (string, error)

// CheckLocalFilesystem refuses database paths on network filesystems. The
// path need not exist yet; its nearest existing ancestor is inspected.
func CheckLocalFilesystem(path string) error {
	return checkLocalFilesystem(path, detectFilesystemType)
}

func checkLocalFilesystem(path string, detect fsDetector) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}
	at, err := NearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}

	fsType, err := detect(at)
	switch {
	case errors.Is(err, errDetectionUnsupported):
		return nil
	case err != nil:
		return fmt.Errorf("detect filesystem for %q: %w", at, err)
	case isNetworkFilesystem(fsType):
		return fmt.Errorf("%w: %q is on %q; handler processes lock the queue through SQLite, which requires a local filesystem. "+
			"Point state.path at local disk or use state.driver: postgres", ErrNetworkFilesystem, path, fsType)
	}
	return nil
}

// NearestExistingPath returns path, made absolute, or its closest ancestor
// that exists.
func NearestExistingPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	for p := abs; ; {
		_, err := os.Stat(p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", p, err)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
		p = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	return slices.Contains(networkFilesystems, strings.ToLower(strings.TrimSpace(fsType)))
}
