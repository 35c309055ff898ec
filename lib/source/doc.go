// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package source defines [ByteSource], the sized, randomly readable
// byte range that every virtual file in concatfs is assembled from.
//
// A ByteSource has a fixed size, established when it is constructed,
// and a ReadAt method with [io.ReaderAt] semantics: a read returns
// fewer bytes than requested only at the end of the source, and
// reports that with io.EOF. Reading at or past Size returns 0, io.EOF,
// never a failure. Any other error means the backing medium failed.
//
// This package provides the two leaf implementations that do not
// depend on archive parsing:
//
//   - [File] reads a regular file through an [afero.Fs]. The size is
//     taken from a stat at construction; the file is opened per read,
//     so a composite over thousands of files holds no descriptors.
//
//   - [Bytes] serves an in-memory buffer.
//
// Archive members live in lib/resolve and composites in lib/composite.
package source
