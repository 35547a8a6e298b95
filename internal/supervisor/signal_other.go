//go:build !unix

package supervisor

import "errors"

func killGroup(int32) error {
	return errors.New("process groups are not supported on this platform")
}

func isNoSuchProcess(error) bool { return false }
