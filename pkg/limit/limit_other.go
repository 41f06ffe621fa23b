//go:build !unix

package limit

import "errors"

func RaiseOpenFiles() (uint64, error) {
	return 0, errors.New("RLIMIT_NOFILE is not supported on this platform")
}
