//go:build !unix

package lock

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("file locking is not supported on this platform")

func tryLock(f *os.File) error {
	return errUnsupported
}

func unlock(f *os.File) error {
	return errUnsupported
}
