//go:build linux
// +build linux

package segfile

import (
	"os"

	"golang.org/x/sys/unix"
)

// syncFile pushes file data to stable storage. Metadata like mtime may lag;
// only the bytes matter for replay.
func syncFile(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
