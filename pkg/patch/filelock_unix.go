//go:build !windows

package patch

import (
	"os"
	"syscall"
)

// lockFile takes an exclusive advisory lock on the sidecar of path. The lock
// is shared with every process that patches the same artifact.
func lockFile(path string) (unlock func(), err error) {
	f, err := os.OpenFile(path+lockSuffix, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, classifyFileError("failed to open artifact lock", err).WithContext("path", path+lockSuffix)
	}

	for {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
		if err != syscall.EINTR {
			break
		}
	}
	if err != nil {
		f.Close()
		return nil, classifyFileError("failed to lock artifact", err).WithContext("path", path+lockSuffix)
	}

	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}
