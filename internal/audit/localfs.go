package audit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

type fsDetector func(path string) (string, error)

// checkLocalFS refuses audit paths on network filesystems, where sqlite
// locking is unreliable. Detection failures are not fatal.
func checkLocalFS(path string, detect fsDetector) error {
	dir, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve audit path %q: %w", path, err)
	}
	fsType, err := detect(dir)
	if err != nil {
		return nil
	}
	if _, remote := networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))]; remote {
		return fmt.Errorf("audit path %q is on network filesystem %q; set audit.path to local disk", path, fsType)
	}
	return nil
}

func existingAncestor(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing parent")
		}
		p = parent
	}
}
