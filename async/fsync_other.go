//go:build !linux

package async

import "os"

func fdatasync(f *os.File) error { return f.Sync() }
