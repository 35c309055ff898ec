// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"errors"
	"syscall"

	"github.com/bureau-foundation/concatfs/lib/vfs"
)

// errnoFor maps a directory error to the errno returned to the kernel.
// Short reads, resolution failures, and medium errors all become EIO.
func errnoFor(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, vfs.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, vfs.ErrAccessDenied):
		return syscall.EACCES
	case errors.Is(err, vfs.ErrBadHandle):
		return syscall.EBADF
	default:
		return syscall.EIO
	}
}
