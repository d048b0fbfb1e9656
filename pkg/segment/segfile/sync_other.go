//go:build !linux
// +build !linux

package segfile

import "os"

func syncFile(f *os.File) error {
	return f.Sync()
}
