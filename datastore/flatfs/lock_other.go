//go:build !unix

package flatfs

import "os"

// Without flock only the in-process lock applies; run a single receiver process per directory.
func lockFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
}

func unlockFile(f *os.File) error {
	return f.Close()
}
