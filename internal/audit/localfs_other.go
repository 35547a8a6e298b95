//go:build !darwin && !linux

package audit

import "errors"

func detectFilesystemType(string) (string, error) {
	return "", errors.New("filesystem detection unsupported")
}
