// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/bureau-foundation/concatfs/lib/source"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// format is an archive container or compression wrapper recognized by
// its leading bytes.
type format int

const (
	formatUnknown format = iota
	formatZip
	formatTar
	formatGzip
	formatZstd
	formatLZ4
)

func (f format) String() string {
	switch f {
	case formatZip:
		return "zip"
	case formatTar:
		return "tar"
	case formatGzip:
		return "gzip"
	case formatZstd:
		return "zstd"
	case formatLZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

// tarMagicOffset is where the "ustar" magic sits in a tar header.
const tarMagicOffset = 257

func detectFormat(image []byte) format {
	switch {
	case bytes.HasPrefix(image, []byte("PK\x03\x04")),
		bytes.HasPrefix(image, []byte("PK\x05\x06")):
		return formatZip
	case bytes.HasPrefix(image, []byte{0x1f, 0x8b}):
		return formatGzip
	case bytes.HasPrefix(image, []byte{0x28, 0xb5, 0x2f, 0xfd}):
		return formatZstd
	case bytes.HasPrefix(image, []byte{0x04, 0x22, 0x4d, 0x18}):
		return formatLZ4
	case len(image) >= tarMagicOffset+5 &&
		string(image[tarMagicOffset:tarMagicOffset+5]) == "ustar":
		return formatTar
	}
	return formatUnknown
}

// maxPathLength bounds how long a specification may be and still be
// treated as an archive path rather than an unrecognized image.
const maxPathLength = 4096

// Archive returns one source per regular member of the archive in
// image. If image is not a recognized archive but names an existing
// file, that file is loaded (bounded by MaxArchiveBytes) and used as
// the image instead.
func (r *Resolver) Archive(image []byte) ([]source.ByteSource, error) {
	if detectFormat(image) == formatUnknown {
		path, ok := archivePath(image)
		if !ok {
			return nil, fmt.Errorf("%w: unrecognized archive format", ErrResolution)
		}
		loaded, err := r.loadArchive(path)
		if err != nil {
			return nil, err
		}
		r.logger.Debug("loaded archive from path", "path", path, "bytes", len(loaded))
		image = loaded
	}

	switch kind := detectFormat(image); kind {
	case formatZip:
		return r.zipMembers(image)
	case formatTar:
		return r.tarMembers(image)
	case formatGzip, formatZstd, formatLZ4:
		expanded, err := r.decompress(kind, image)
		if err != nil {
			return nil, err
		}
		if detectFormat(expanded) != formatTar {
			return nil, fmt.Errorf("%w: %s stream does not contain a tar archive", ErrResolution, kind)
		}
		return r.tarMembers(expanded)
	default:
		return nil, fmt.Errorf("%w: unrecognized archive format", ErrResolution)
	}
}

// archivePath interprets a specification as a single path. A trailing
// newline or NUL is tolerated since clients often terminate the path.
func archivePath(specification []byte) (string, bool) {
	path := strings.TrimRight(string(specification), "\n\x00")
	if path == "" || len(path) > maxPathLength || strings.ContainsAny(path, "\x00\n") {
		return "", false
	}
	return path, true
}

func (r *Resolver) loadArchive(path string) ([]byte, error) {
	file, err := r.filesystem.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening archive: %w", ErrResolution, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat archive %s: %w", ErrResolution, path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: archive %s is not a regular file", ErrResolution, path)
	}
	if info.Size() > r.maxArchiveBytes {
		return nil, fmt.Errorf("%w: archive %s is %d bytes, limit is %d",
			ErrResolution, path, info.Size(), r.maxArchiveBytes)
	}
	data, err := io.ReadAll(io.LimitReader(file, r.maxArchiveBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading archive %s: %w", ErrResolution, path, err)
	}
	if int64(len(data)) > r.maxArchiveBytes {
		return nil, fmt.Errorf("%w: archive %s grew past the %d byte limit", ErrResolution, path, r.maxArchiveBytes)
	}
	return data, nil
}

func (r *Resolver) zipMembers(image []byte) ([]source.ByteSource, error) {
	imageReader := bytes.NewReader(image)
	archive, err := zip.NewReader(imageReader, int64(len(image)))
	if err != nil {
		return nil, fmt.Errorf("%w: reading zip directory: %w", ErrResolution, err)
	}
	archive.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())

	var sources []source.ByteSource
	for _, file := range archive.File {
		if !file.Mode().IsRegular() || strings.HasSuffix(file.Name, "/") {
			continue
		}
		size := int64(file.UncompressedSize64)
		if file.Method == zip.Store && file.CompressedSize64 == file.UncompressedSize64 {
			offset, err := file.DataOffset()
			if err != nil {
				return nil, fmt.Errorf("%w: locating zip member %s: %w", ErrResolution, file.Name, err)
			}
			if offset+size > int64(len(image)) {
				return nil, fmt.Errorf("%w: zip member %s extends past the end of the archive", ErrResolution, file.Name)
			}
			sources = append(sources, io.NewSectionReader(imageReader, offset, size))
			continue
		}
		sources = append(sources, newLazyMember(file.Name, size, file.Open))
	}
	return sources, nil
}

func (r *Resolver) tarMembers(image []byte) ([]source.ByteSource, error) {
	imageReader := bytes.NewReader(image)
	archive := tar.NewReader(imageReader)

	var sources []source.ByteSource
	for {
		header, err := archive.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading tar header: %w", ErrResolution, err)
		}
		if header.Typeflag != tar.TypeReg && header.Typeflag != tar.TypeGNUSparse {
			continue
		}

		if isSparse(header) {
			// The stored bytes of a sparse member are not its
			// logical contents, so it cannot be served as a section
			// of the image.
			data, err := io.ReadAll(archive)
			if err != nil {
				return nil, fmt.Errorf("%w: reading sparse tar member %s: %w", ErrResolution, header.Name, err)
			}
			sources = append(sources, source.NewBytes(data))
			continue
		}

		// After Next the tar reader has consumed exactly the header
		// blocks, so the image position is the member's first byte.
		offset, err := imageReader.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, fmt.Errorf("%w: locating tar member %s: %w", ErrResolution, header.Name, err)
		}
		if offset+header.Size > int64(len(image)) {
			return nil, fmt.Errorf("%w: tar member %s extends past the end of the archive", ErrResolution, header.Name)
		}
		sources = append(sources, io.NewSectionReader(imageReader, offset, header.Size))
	}
	return sources, nil
}

func isSparse(header *tar.Header) bool {
	if header.Typeflag == tar.TypeGNUSparse {
		return true
	}
	for key := range header.PAXRecords {
		if strings.HasPrefix(key, "GNU.sparse.") {
			return true
		}
	}
	return false
}
