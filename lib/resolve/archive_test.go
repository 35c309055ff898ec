// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/spf13/afero"
)

type archiveMember struct {
	name    string
	content string
	method  uint16
}

var testMembers = []archiveMember{
	{name: "first.txt", content: "first member\n", method: zip.Store},
	{name: "dir/", content: ""},
	{name: "dir/second.txt", content: strings.Repeat("deflated ", 50), method: zip.Deflate},
	{name: "third.bin", content: strings.Repeat("zstd!", 40), method: zstd.ZipMethodWinZip},
	{name: "empty", content: "", method: zip.Store},
	{name: "last.txt", content: "tail", method: zip.Store},
}

func wantArchiveContents() string {
	var builder strings.Builder
	for _, member := range testMembers {
		builder.WriteString(member.content)
	}
	return builder.String()
}

func buildZip(t *testing.T, members []archiveMember) []byte {
	t.Helper()
	var buffer bytes.Buffer
	writer := zip.NewWriter(&buffer)
	writer.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor())
	for _, member := range members {
		if strings.HasSuffix(member.name, "/") {
			if _, err := writer.Create(member.name); err != nil {
				t.Fatalf("creating directory %s: %v", member.name, err)
			}
			continue
		}
		entry, err := writer.CreateHeader(&zip.FileHeader{Name: member.name, Method: member.method})
		if err != nil {
			t.Fatalf("creating %s: %v", member.name, err)
		}
		if _, err := io.WriteString(entry, member.content); err != nil {
			t.Fatalf("writing %s: %v", member.name, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("closing zip: %v", err)
	}
	return buffer.Bytes()
}

func buildTar(t *testing.T, members []archiveMember) []byte {
	t.Helper()
	var buffer bytes.Buffer
	writer := tar.NewWriter(&buffer)
	for _, member := range members {
		header := &tar.Header{Name: member.name, Mode: 0o644, Size: int64(len(member.content)), Typeflag: tar.TypeReg}
		if strings.HasSuffix(member.name, "/") {
			header = &tar.Header{Name: member.name, Mode: 0o755, Typeflag: tar.TypeDir}
		}
		if err := writer.WriteHeader(header); err != nil {
			t.Fatalf("writing header %s: %v", member.name, err)
		}
		if _, err := io.WriteString(writer, member.content); err != nil {
			t.Fatalf("writing %s: %v", member.name, err)
		}
	}
	if err := writer.WriteHeader(&tar.Header{Name: "link", Linkname: "first.txt", Typeflag: tar.TypeSymlink}); err != nil {
		t.Fatalf("writing symlink: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("closing tar: %v", err)
	}
	return buffer.Bytes()
}

func compressWith(t *testing.T, kind format, data []byte) []byte {
	t.Helper()
	var buffer bytes.Buffer
	var writer io.WriteCloser
	switch kind {
	case formatGzip:
		writer = gzip.NewWriter(&buffer)
	case formatZstd:
		encoder, err := zstd.NewWriter(&buffer)
		if err != nil {
			t.Fatalf("creating zstd encoder: %v", err)
		}
		writer = encoder
	case formatLZ4:
		writer = lz4.NewWriter(&buffer)
	default:
		t.Fatalf("unsupported compression %s", kind)
	}
	if _, err := writer.Write(data); err != nil {
		t.Fatalf("compressing: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("closing compressor: %v", err)
	}
	return buffer.Bytes()
}

func TestArchiveFormats(t *testing.T) {
	tarImage := buildTar(t, testMembers)
	tests := []struct {
		name  string
		image []byte
	}{
		{"zip", buildZip(t, testMembers)},
		{"tar", tarImage},
		{"tar.gz", compressWith(t, formatGzip, tarImage)},
		{"tar.zst", compressWith(t, formatZstd, tarImage)},
		{"tar.lz4", compressWith(t, formatLZ4, tarImage)},
	}

	// Five regular members: the directory (and the tar symlink) are
	// skipped.
	const wantMembers = 5
	want := wantArchiveContents()

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			resolver, _ := newMemResolver(t, nil)
			sources, err := resolver.Archive(test.image)
			if err != nil {
				t.Fatalf("Archive: %v", err)
			}
			if len(sources) != wantMembers {
				t.Fatalf("got %d members, want %d", len(sources), wantMembers)
			}
			if got := concatenated(t, sources); got != want {
				t.Errorf("contents = %q, want %q", got, want)
			}
		})
	}
}

func TestArchiveCompressedMemberRandomAccess(t *testing.T) {
	content := strings.Repeat("0123456789", 100)
	image := buildZip(t, []archiveMember{{name: "digits", content: content, method: zip.Deflate}})
	resolver, _ := newMemResolver(t, nil)

	sources, err := resolver.Archive(image)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	member := sources[0]
	if member.Size() != int64(len(content)) {
		t.Fatalf("Size() = %d, want %d", member.Size(), len(content))
	}

	buffer := make([]byte, 7)
	n, err := member.ReadAt(buffer, 503)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if got := string(buffer[:n]); got != content[503:510] {
		t.Errorf("ReadAt(503) = %q, want %q", got, content[503:510])
	}

	n, err = member.ReadAt(buffer, int64(len(content))-3)
	if err != io.EOF {
		t.Errorf("ReadAt near end error = %v, want io.EOF", err)
	}
	if n != 3 {
		t.Errorf("ReadAt near end n = %d, want 3", n)
	}
}

func TestArchiveFromPath(t *testing.T) {
	resolver, filesystem := newMemResolver(t, nil)
	image := buildZip(t, testMembers)
	if err := afero.WriteFile(filesystem, "/archives/bundle.zip", image, 0o644); err != nil {
		t.Fatalf("writing archive: %v", err)
	}

	sources, err := resolver.Archive([]byte("/archives/bundle.zip\x00"))
	if err != nil {
		t.Fatalf("Archive(path): %v", err)
	}
	if got := concatenated(t, sources); got != wantArchiveContents() {
		t.Errorf("contents = %q, want %q", got, wantArchiveContents())
	}
}

func TestArchivePathOverLimit(t *testing.T) {
	filesystem := afero.NewMemMapFs()
	image := buildZip(t, testMembers)
	if err := afero.WriteFile(filesystem, "/archives/bundle.zip", image, 0o644); err != nil {
		t.Fatalf("writing archive: %v", err)
	}
	resolver := New(Options{Filesystem: filesystem, MaxArchiveBytes: int64(len(image)) - 1})

	_, err := resolver.Archive([]byte("/archives/bundle.zip"))
	if !errors.Is(err, ErrResolution) {
		t.Fatalf("Archive(oversized) error = %v, want ErrResolution", err)
	}
}

func TestArchiveRejectsUnknownBytes(t *testing.T) {
	resolver, _ := newMemResolver(t, nil)

	tests := []struct {
		name  string
		image []byte
	}{
		{"missing path", []byte("/no/such/archive.zip")},
		{"binary garbage", []byte{0x00, 0x01, 0x02, 0xff}},
		{"empty", nil},
		{"gzip without tar", compressWith(t, formatGzip, []byte("plain text, not a tar"))},
		{"truncated zip", buildZip(t, testMembers)[:40]},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := resolver.Archive(test.image)
			if !errors.Is(err, ErrResolution) {
				t.Fatalf("Archive error = %v, want ErrResolution", err)
			}
		})
	}
}

func TestDetectFormat(t *testing.T) {
	tarImage := buildTar(t, []archiveMember{{name: "a", content: "a"}})
	tests := []struct {
		name  string
		image []byte
		want  format
	}{
		{"zip", buildZip(t, []archiveMember{{name: "a", content: "a"}}), formatZip},
		{"empty zip", buildZip(t, nil), formatZip},
		{"tar", tarImage, formatTar},
		{"gzip", compressWith(t, formatGzip, tarImage), formatGzip},
		{"zstd", compressWith(t, formatZstd, tarImage), formatZstd},
		{"lz4", compressWith(t, formatLZ4, tarImage), formatLZ4},
		{"text", []byte("/some/path"), formatUnknown},
	}
	for _, test := range tests {
		if got := detectFormat(test.image); got != test.want {
			t.Errorf("detectFormat(%s) = %s, want %s", test.name, got, test.want)
		}
	}
}
