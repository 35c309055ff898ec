// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fuse mounts concatfs directories as a FUSE filesystem.
//
// The mount root holds two read-only files and one directory per
// configured mode:
//
//	VERSION       protocol version ("3\n"), checked by clients
//	DIGEST        digest algorithm used for names ("blake3\n")
//	from-file/    control + composites, newline-separated lists
//	from-file0/   control + composites, NUL-separated lists
//	from-glob/    ...
//
// Each directory delegates to a [vfs.Directory]. This package only
// translates kernel requests into directory calls and errors into
// errno values; it is the one place where errors become errnos, and
// where they are logged.
//
// The control file commits on every flush of a handle that received
// new bytes, which is each close(2) of the writer's descriptor, so a
// failed commit surfaces as a close error and the composite exists
// once close returns. Bytes written through a surviving dup'd
// descriptor are committed by the next flush or by release. When a
// commit refreshes an existing composite, the kernel's cached pages
// and attributes for it are invalidated.
package fuse
