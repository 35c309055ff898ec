// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/bureau-foundation/concatfs/lib/source"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// decompress expands a compressed tar stream, bounded by
// MaxArchiveBytes.
func (r *Resolver) decompress(kind format, compressed []byte) ([]byte, error) {
	var reader io.Reader
	switch kind {
	case formatGzip:
		gzipReader, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("%w: gzip header: %w", ErrResolution, err)
		}
		defer gzipReader.Close()
		reader = gzipReader
	case formatZstd:
		decoder, err := zstd.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("%w: creating zstd decoder: %w", ErrResolution, err)
		}
		defer decoder.Close()
		reader = decoder
	case formatLZ4:
		reader = lz4.NewReader(bytes.NewReader(compressed))
	default:
		return nil, fmt.Errorf("%w: %s is not a compression format", ErrResolution, kind)
	}

	expanded, err := io.ReadAll(io.LimitReader(reader, r.maxArchiveBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing %s stream: %w", ErrResolution, kind, err)
	}
	if int64(len(expanded)) > r.maxArchiveBytes {
		return nil, fmt.Errorf("%w: %s stream expands past the %d byte limit", ErrResolution, kind, r.maxArchiveBytes)
	}
	return expanded, nil
}

// lazyMember is a compressed archive member. The member is
// decompressed in full on the first read and kept in memory for the
// life of the source.
type lazyMember struct {
	name string
	size int64
	open func() (io.ReadCloser, error)

	once sync.Once
	data []byte
	err  error
}

var _ source.ByteSource = (*lazyMember)(nil)

func newLazyMember(name string, size int64, open func() (io.ReadCloser, error)) *lazyMember {
	return &lazyMember{name: name, size: size, open: open}
}

func (m *lazyMember) Size() int64 {
	return m.size
}

func (m *lazyMember) ReadAt(dest []byte, offset int64) (int, error) {
	if offset >= m.size {
		return 0, io.EOF
	}
	m.once.Do(m.load)
	if m.err != nil {
		return 0, m.err
	}
	if offset >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(dest, m.data[offset:])
	if n < len(dest) {
		return n, io.EOF
	}
	return n, nil
}

func (m *lazyMember) load() {
	reader, err := m.open()
	if err != nil {
		m.err = fmt.Errorf("opening archive member %s: %w", m.name, err)
		return
	}
	defer reader.Close()

	// Read one byte past the declared size so a checksum error raised
	// at end of stream is still observed.
	data, err := io.ReadAll(io.LimitReader(reader, m.size+1))
	if err != nil {
		m.err = fmt.Errorf("decompressing archive member %s: %w", m.name, err)
		return
	}
	if int64(len(data)) > m.size {
		data = data[:m.size]
	}
	m.data = data
}
