// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"fmt"
	"io"
	"io/fs"

	"github.com/spf13/afero"
)

// ByteSource is a readable byte range of fixed size.
type ByteSource interface {
	// Size returns the total size in bytes. It does not change over
	// the lifetime of the source.
	Size() int64

	// ReadAt reads len(dest) bytes starting at offset. It follows
	// io.ReaderAt: n < len(dest) only at the end of the source, in
	// which case err is io.EOF.
	ReadAt(dest []byte, offset int64) (int, error)
}

// File is a ByteSource backed by a regular file.
type File struct {
	filesystem afero.Fs
	path       string
	size       int64
}

var _ ByteSource = (*File)(nil)

// NewFile stats path on filesystem and returns a source over it.
// The size is fixed at the value observed now; if the file later
// shrinks, reads past the new end report io.EOF early, which a
// composite surfaces as a short read.
func NewFile(filesystem afero.Fs, path string) (*File, error) {
	info, err := filesystem.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: not a regular file (mode %s)", path, info.Mode())
	}
	return &File{filesystem: filesystem, path: path, size: info.Size()}, nil
}

// Path returns the path the source was created from.
func (f *File) Path() string {
	return f.path
}

func (f *File) Size() int64 {
	return f.size
}

func (f *File) ReadAt(dest []byte, offset int64) (int, error) {
	if offset >= f.size {
		return 0, io.EOF
	}
	if remaining := f.size - offset; int64(len(dest)) > remaining {
		dest = dest[:remaining]
	}
	if len(dest) == 0 {
		return 0, nil
	}

	file, err := f.filesystem.Open(f.path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", f.path, err)
	}
	defer file.Close()

	n, err := file.ReadAt(dest, offset)
	if err != nil && err != io.EOF {
		return n, &fs.PathError{Op: "read", Path: f.path, Err: err}
	}
	if n < len(dest) {
		return n, io.EOF
	}
	if offset+int64(n) == f.size {
		return n, io.EOF
	}
	return n, nil
}

// Bytes is a ByteSource over an in-memory buffer. The buffer must not
// be modified after it is handed to NewBytes.
type Bytes struct {
	data []byte
}

var _ ByteSource = (*Bytes)(nil)

func NewBytes(data []byte) *Bytes {
	return &Bytes{data: data}
}

func (b *Bytes) Size() int64 {
	return int64(len(b.data))
}

func (b *Bytes) ReadAt(dest []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("negative offset %d", offset)
	}
	if offset >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(dest, b.data[offset:])
	if n < len(dest) {
		return n, io.EOF
	}
	return n, nil
}

// Empty returns a zero-length source.
func Empty() ByteSource {
	return &Bytes{}
}

// ReadAll reads the complete contents of a source. Intended for small
// sources and tests.
func ReadAll(s ByteSource) ([]byte, error) {
	data := make([]byte, s.Size())
	n, err := s.ReadAt(data, 0)
	if err != nil && err != io.EOF {
		return data[:n], err
	}
	if int64(n) != s.Size() {
		return data[:n], fmt.Errorf("read %d of %d bytes: %w", n, s.Size(), io.ErrUnexpectedEOF)
	}
	return data, nil
}
