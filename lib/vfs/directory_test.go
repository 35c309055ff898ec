// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"bytes"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/bureau-foundation/concatfs/lib/clock"
	"github.com/bureau-foundation/concatfs/lib/control"
	"github.com/bureau-foundation/concatfs/lib/digest"
	"github.com/bureau-foundation/concatfs/lib/resolve"
	"github.com/bureau-foundation/concatfs/lib/source"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

var testTimestamp = time.Unix(1735689600, 0)

var testHasher = digest.MustNewFunction(digest.BLAKE3)

// panickingResolver fails the test if any source is resolved.
type panickingResolver struct{}

func (panickingResolver) Files([]string) ([]source.ByteSource, error) { panic("Files called") }
func (panickingResolver) Globs([]string) ([]source.ByteSource, error) { panic("Globs called") }
func (panickingResolver) Archive([]byte) ([]source.ByteSource, error) { panic("Archive called") }

func newTestDirectory(t *testing.T, files map[string]string) (*Directory, *clock.FakeClock, afero.Fs) {
	t.Helper()
	filesystem := afero.NewMemMapFs()
	for path, content := range files {
		if err := afero.WriteFile(filesystem, path, []byte(content), 0o644); err != nil {
			t.Fatalf("writing %s: %v", path, err)
		}
	}
	fake := clock.Fake(testTimestamp)
	directory, err := New(Options{
		Name:      "from-file",
		Mode:      control.ModeList,
		Separator: '\n',
		Resolver:  resolve.New(resolve.Options{Filesystem: filesystem}),
		Hasher:    testHasher,
		Clock:     fake,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return directory, fake, filesystem
}

// commitSpecification writes specification through the control file
// and returns the resulting virtual file name.
func commitSpecification(t *testing.T, directory *Directory, specification string) string {
	t.Helper()
	handle, err := directory.Open(ControlName, unix.O_WRONLY|unix.O_TRUNC)
	if err != nil {
		t.Fatalf("Open(control): %v", err)
	}
	if _, err := directory.Write(handle, []byte(specification)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	result, committed, err := directory.Release(handle)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !committed {
		t.Fatal("Release did not commit the session")
	}
	return result.Entry.Name()
}

func TestUnknownNameIsNotFound(t *testing.T) {
	directory, err := New(Options{
		Name:     "from-file0",
		Mode:     control.ModeList,
		Resolver: panickingResolver{},
		Hasher:   testHasher,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	name := testHasher.Sum([]byte("never committed")).String()
	if _, err := directory.Getattr(name); !errors.Is(err, ErrNotFound) {
		t.Errorf("Getattr error = %v, want ErrNotFound", err)
	}
	if _, err := directory.Open(name, unix.O_RDONLY); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open error = %v, want ErrNotFound", err)
	}
	if err := directory.Truncate(name, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Truncate error = %v, want ErrNotFound", err)
	}
}

func TestCommitThenRead(t *testing.T) {
	directory, _, _ := newTestDirectory(t, map[string]string{
		"/src/a": "aaaaa",
		"/src/b": "BBB",
		"/src/c": "ccccccc",
	})

	name := commitSpecification(t, directory, "/src/a\n/src/b\n/src/c\n")
	if want := testHasher.Sum([]byte("/src/a\n/src/b\n/src/c\n")).String(); name != want {
		t.Fatalf("entry name = %s, want %s", name, want)
	}

	attr, err := directory.Getattr(name)
	if err != nil {
		t.Fatalf("Getattr: %v", err)
	}
	if attr.Mode != syscall.S_IFREG|0o444 || attr.Size != 15 {
		t.Errorf("Getattr = %+v, want mode %o size 15", attr, syscall.S_IFREG|0o444)
	}
	if !attr.Modified.Equal(testTimestamp) {
		t.Errorf("Modified = %v, want %v", attr.Modified, testTimestamp)
	}

	handle, err := directory.Open(name, unix.O_RDONLY)
	if err != nil {
		t.Fatalf("Open(composite): %v", err)
	}
	buffer := make([]byte, 6)
	n, err := directory.Read(handle, buffer, 4)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := string(buffer[:n]); got != "aBBBcc" {
		t.Errorf("Read(4, 6) = %q, want %q", got, "aBBBcc")
	}

	n, err = directory.Read(handle, buffer, 15)
	if err != nil || n != 0 {
		t.Errorf("Read at end = (%d, %v), want (0, nil)", n, err)
	}
	if _, _, err := directory.Release(handle); err != nil {
		t.Errorf("Release(composite): %v", err)
	}
	if directory.OpenHandles() != 0 {
		t.Errorf("OpenHandles() = %d, want 0", directory.OpenHandles())
	}
}

func TestControlAttributes(t *testing.T) {
	directory, _, _ := newTestDirectory(t, nil)

	attr, err := directory.Getattr(ControlName)
	if err != nil {
		t.Fatalf("Getattr(control): %v", err)
	}
	if attr.Mode != syscall.S_IFREG|0o644 || attr.Size != 0 {
		t.Errorf("Getattr(control) = %+v, want regular 0644 of size 0", attr)
	}
	if err := directory.Truncate(ControlName, 0); err != nil {
		t.Errorf("Truncate(control): %v", err)
	}
}

func TestAccessModes(t *testing.T) {
	directory, _, _ := newTestDirectory(t, map[string]string{"/src/a": "a"})
	name := commitSpecification(t, directory, "/src/a")

	if _, err := directory.Open(ControlName, unix.O_RDONLY); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("Open(control, O_RDONLY) error = %v, want ErrAccessDenied", err)
	}
	if _, err := directory.Open(ControlName, unix.O_RDWR); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("Open(control, O_RDWR) error = %v, want ErrAccessDenied", err)
	}
	if _, err := directory.Open(name, unix.O_WRONLY); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("Open(composite, O_WRONLY) error = %v, want ErrAccessDenied", err)
	}
	if err := directory.Truncate(name, 0); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("Truncate(composite) error = %v, want ErrAccessDenied", err)
	}
	if directory.OpenHandles() != 0 {
		t.Errorf("denied opens left %d handles", directory.OpenHandles())
	}
}

func TestFlushWithoutNewWritesIsNoop(t *testing.T) {
	directory, _, _ := newTestDirectory(t, map[string]string{"/src/a": "a"})

	handle, err := directory.Open(ControlName, unix.O_WRONLY)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	directory.Write(handle, []byte("/src/a"))

	result, committed, err := directory.Flush(handle)
	if err != nil || !committed {
		t.Fatalf("first Flush = (committed %v, err %v)", committed, err)
	}
	if !result.Created {
		t.Error("first flush did not create the entry")
	}

	// A second flush (dup'd descriptor) and the final release have
	// nothing new to commit.
	if _, committed, err := directory.Flush(handle); err != nil || committed {
		t.Errorf("second Flush = (committed %v, err %v), want (false, nil)", committed, err)
	}
	if _, committed, err := directory.Release(handle); err != nil || committed {
		t.Errorf("Release = (committed %v, err %v), want (false, nil)", committed, err)
	}
	if directory.Table().Len() != 1 {
		t.Errorf("table Len() = %d, want 1", directory.Table().Len())
	}
}

func TestWritesAfterFlushAreCommittedOnRelease(t *testing.T) {
	directory, _, _ := newTestDirectory(t, map[string]string{
		"/src/a": "aa",
		"/src/b": "BBB",
	})

	handle, err := directory.Open(ControlName, unix.O_WRONLY)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := directory.Write(handle, []byte("/src/a\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, committed, err := directory.Flush(handle); err != nil || !committed {
		t.Fatalf("Flush = (committed %v, err %v), want a commit", committed, err)
	}

	// The descriptor is still open after a flush, e.g. when a dup'd
	// copy was closed.
	if _, err := directory.Write(handle, []byte("/src/b\n")); err != nil {
		t.Fatalf("Write after Flush: %v", err)
	}
	result, committed, err := directory.Release(handle)
	if err != nil || !committed {
		t.Fatalf("Release = (committed %v, err %v), want a commit", committed, err)
	}
	name := result.Entry.Name()
	if want := testHasher.Sum([]byte("/src/a\n/src/b\n")).String(); name != want {
		t.Fatalf("Release committed %s, want digest of the whole buffer %s", name, want)
	}

	readHandle, err := directory.Open(name, unix.O_RDONLY)
	if err != nil {
		t.Fatalf("Open(composite): %v", err)
	}
	buffer := make([]byte, 16)
	n, err := directory.Read(readHandle, buffer, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := string(buffer[:n]); got != "aaBBB" {
		t.Errorf("Read = %q, want %q", got, "aaBBB")
	}
	if directory.Table().Len() != 2 {
		t.Errorf("table Len() = %d, want 2 (the flushed prefix and the whole buffer)", directory.Table().Len())
	}
}

func TestLogRecordsCarryDirectoryOnce(t *testing.T) {
	filesystem := afero.NewMemMapFs()
	if err := afero.WriteFile(filesystem, "/src/a", []byte("a"), 0o644); err != nil {
		t.Fatalf("writing: %v", err)
	}
	var output bytes.Buffer
	directory, err := New(Options{
		Name:      "logged",
		Mode:      control.ModeList,
		Separator: '\n',
		Resolver:  resolve.New(resolve.Options{Filesystem: filesystem}),
		Hasher:    testHasher,
		Clock:     clock.Fake(testTimestamp),
		Logger:    slog.New(slog.NewJSONHandler(&output, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	commitSpecification(t, directory, "/src/a\n")

	lines := strings.Split(strings.TrimSpace(output.String()), "\n")
	// The control channel and the content table both log a commit.
	var sawChannel, sawTable bool
	for _, line := range lines {
		if count := strings.Count(line, `"directory":"logged"`); count != 1 {
			t.Errorf("record carries the directory %d times: %s", count, line)
		}
		sawChannel = sawChannel || strings.Contains(line, "specification committed")
		sawTable = sawTable || strings.Contains(line, "entry created")
	}
	if !sawChannel || !sawTable {
		t.Errorf("missing commit records (channel %v, table %v) in:\n%s", sawChannel, sawTable, output.String())
	}
}

func TestBadHandles(t *testing.T) {
	directory, _, _ := newTestDirectory(t, map[string]string{"/src/a": "a"})
	name := commitSpecification(t, directory, "/src/a")

	if _, err := directory.Read(99, make([]byte, 1), 0); !errors.Is(err, ErrBadHandle) {
		t.Errorf("Read(unknown) error = %v, want ErrBadHandle", err)
	}
	if _, err := directory.Write(99, []byte("x")); !errors.Is(err, ErrBadHandle) {
		t.Errorf("Write(unknown) error = %v, want ErrBadHandle", err)
	}
	if _, _, err := directory.Release(99); !errors.Is(err, ErrBadHandle) {
		t.Errorf("Release(unknown) error = %v, want ErrBadHandle", err)
	}

	controlHandle, _ := directory.Open(ControlName, unix.O_WRONLY)
	if _, err := directory.Read(controlHandle, make([]byte, 1), 0); !errors.Is(err, ErrBadHandle) {
		t.Errorf("Read(control) error = %v, want ErrBadHandle", err)
	}
	readHandle, _ := directory.Open(name, unix.O_RDONLY)
	if _, err := directory.Write(readHandle, []byte("x")); !errors.Is(err, ErrBadHandle) {
		t.Errorf("Write(composite) error = %v, want ErrBadHandle", err)
	}
}

func TestRecommitRefreshesAndUpdatesModified(t *testing.T) {
	directory, fake, filesystem := newTestDirectory(t, nil)

	name := commitSpecification(t, directory, "/src/late")
	attr, err := directory.Getattr(name)
	if err != nil {
		t.Fatalf("Getattr: %v", err)
	}
	if attr.Size != 0 {
		t.Fatalf("size of composite over a missing file = %d, want 0", attr.Size)
	}

	if err := afero.WriteFile(filesystem, "/src/late", []byte("arrived"), 0o644); err != nil {
		t.Fatalf("writing: %v", err)
	}
	fake.Advance(time.Hour)
	if again := commitSpecification(t, directory, "/src/late"); again != name {
		t.Fatalf("recommit produced %s, want %s", again, name)
	}
	attr, _ = directory.Getattr(name)
	if attr.Size != int64(len("arrived")) {
		t.Errorf("size after refresh = %d, want %d", attr.Size, len("arrived"))
	}
	if want := testTimestamp.Add(time.Hour); !attr.Modified.Equal(want) {
		t.Errorf("Modified = %v, want %v", attr.Modified, want)
	}
}

func TestNamesListsControlAndEntries(t *testing.T) {
	directory, _, _ := newTestDirectory(t, map[string]string{"/src/a": "a", "/src/b": "b"})
	first := commitSpecification(t, directory, "/src/a")
	second := commitSpecification(t, directory, "/src/b")

	want := []string{ControlName, first, second}
	if second < first {
		want = []string{ControlName, second, first}
	}
	if got := directory.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}
