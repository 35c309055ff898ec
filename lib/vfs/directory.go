// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package vfs is the request surface of one mode directory: the
// control file plus every composite file committed through it.
//
// Requests are addressed by file name and by opaque handle, with no
// dependency on a particular kernel bridge. The FUSE layer translates
// kernel requests into calls here and errors back into errno values.
package vfs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/bureau-foundation/concatfs/lib/clock"
	"github.com/bureau-foundation/concatfs/lib/contenttable"
	"github.com/bureau-foundation/concatfs/lib/control"
	"golang.org/x/sys/unix"
)

// ControlName is the name of the control file in every directory.
const ControlName = "control"

var (
	// ErrNotFound is returned for names that are neither the control
	// file nor a committed digest.
	ErrNotFound = errors.New("no such file")

	// ErrAccessDenied is returned for a disallowed access mode: any
	// read on the control file, any write on a composite file.
	ErrAccessDenied = control.ErrAccessDenied

	// ErrBadHandle is returned for operations on an unknown handle.
	ErrBadHandle = control.ErrBadHandle
)

// Attr is the subset of file attributes the directory reports.
type Attr struct {
	Mode     uint32
	Size     int64
	Modified time.Time
}

// Handle identifies an open file within one directory.
type Handle uint64

// openFile is either a control session or a composite being read.
type openFile struct {
	name string

	// Set for control files.
	session control.Handle

	// Set for composite files.
	entry *contenttable.Entry
}

func (f *openFile) isControl() bool {
	return f.entry == nil
}

// Options configures a Directory.
type Options struct {
	// Name is the directory's name under the mount root.
	Name string

	Mode      control.Mode
	Separator byte

	Resolver control.Resolver
	Hasher   control.Hasher

	// Clock stamps entries and the control file. Nil means the real
	// clock.
	Clock clock.Clock

	// Logger receives diagnostic messages. If nil, only errors are
	// logged, to stderr. Records are tagged with the directory name
	// here, so the caller's logger should not carry it.
	Logger *slog.Logger
}

// Directory owns one content table and the control channel that
// commits into it. Safe for concurrent use.
type Directory struct {
	name    string
	table   *contenttable.Table
	channel *control.Channel
	created time.Time
	logger  *slog.Logger

	mu         sync.Mutex
	handles    map[Handle]*openFile
	lastHandle Handle
}

// New creates a directory with an empty content table.
func New(options Options) (*Directory, error) {
	if options.Name == "" {
		return nil, errors.New("directory name is required")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}
	logger := options.Logger.With("directory", options.Name)

	table := contenttable.New(contenttable.Options{
		Directory: options.Name,
		Clock:     options.Clock,
		Logger:    logger,
	})
	channel, err := control.New(control.Options{
		Mode:      options.Mode,
		Separator: options.Separator,
		Table:     table,
		Resolver:  options.Resolver,
		Hasher:    options.Hasher,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("directory %s: %w", options.Name, err)
	}

	registerCollectors()
	return &Directory{
		name:    options.Name,
		table:   table,
		channel: channel,
		created: options.Clock.Now(),
		logger:  logger,
		handles: make(map[Handle]*openFile),
	}, nil
}

// Name returns the directory's name.
func (d *Directory) Name() string { return d.name }

// Mode returns the directory's composition mode.
func (d *Directory) Mode() control.Mode { return d.channel.Mode() }

// Table returns the directory's content table.
func (d *Directory) Table() *contenttable.Table { return d.table }

// Names lists the directory: the control file followed by every
// committed digest name in sorted order.
func (d *Directory) Names() []string {
	entries := d.table.Entries()
	names := make([]string, 0, len(entries)+1)
	names = append(names, ControlName)
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

// Getattr reports the attributes of name. Only the content table is
// consulted; no source is read.
func (d *Directory) Getattr(name string) (Attr, error) {
	if name == ControlName {
		return Attr{Mode: syscall.S_IFREG | 0o644, Modified: d.created}, nil
	}
	entry, ok := d.table.LookupName(name)
	if !ok {
		return Attr{}, fmt.Errorf("%s/%s: %w", d.name, name, ErrNotFound)
	}
	return Attr{
		Mode:     syscall.S_IFREG | 0o444,
		Size:     entry.Size(),
		Modified: entry.Modified(),
	}, nil
}

// Open opens name with open(2) flags. The control file accepts only
// write-only opens; composite files accept only read-only opens.
func (d *Directory) Open(name string, flags uint32) (Handle, error) {
	file := &openFile{name: name}
	if name == ControlName {
		session, err := d.channel.Open(flags)
		if err != nil {
			return 0, err
		}
		file.session = session
	} else {
		entry, ok := d.table.LookupName(name)
		if !ok {
			return 0, fmt.Errorf("%s/%s: %w", d.name, name, ErrNotFound)
		}
		if flags&unix.O_ACCMODE != unix.O_RDONLY {
			return 0, fmt.Errorf("composite files are read-only: %w", ErrAccessDenied)
		}
		file.entry = entry
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastHandle++
	d.handles[d.lastHandle] = file
	return d.lastHandle, nil
}

// Read reads from a composite file. A read at or past the end returns
// zero bytes and no error.
func (d *Directory) Read(handle Handle, dest []byte, offset int64) (int, error) {
	file, err := d.lookupHandle(handle)
	if err != nil {
		return 0, err
	}
	if file.isControl() {
		return 0, fmt.Errorf("control file is write-only: %w", ErrBadHandle)
	}

	n, err := file.entry.Stream().ReadAt(dest, offset)
	if err == io.EOF {
		err = nil
	}
	if err != nil {
		readErrorCounter.WithLabelValues(d.name).Inc()
		return n, fmt.Errorf("reading %s at offset %d: %w", file.name, offset, err)
	}
	readBytesCounter.WithLabelValues(d.name).Add(float64(n))
	return n, nil
}

// Write appends data to a control session.
func (d *Directory) Write(handle Handle, data []byte) (int, error) {
	file, err := d.lookupHandle(handle)
	if err != nil {
		return 0, err
	}
	if !file.isControl() {
		return 0, fmt.Errorf("composite files are read-only: %w", ErrBadHandle)
	}
	return d.channel.Write(file.session, data)
}

// Truncate accepts any truncation of the control file and does
// nothing. Composite files cannot be truncated.
func (d *Directory) Truncate(name string, size int64) error {
	if name == ControlName {
		return d.channel.Truncate(size)
	}
	if _, ok := d.table.LookupName(name); !ok {
		return fmt.Errorf("%s/%s: %w", d.name, name, ErrNotFound)
	}
	return fmt.Errorf("composite files are read-only: %w", ErrAccessDenied)
}

// Flush commits the bytes written to a control handle since its last
// commit, keeping the handle open. It runs on every flush so each
// close(2) of the descriptor reports the outcome of what was written
// so far. Composite handles and control handles with nothing new
// return ok == false.
func (d *Directory) Flush(handle Handle) (result control.Result, ok bool, err error) {
	file, err := d.lookupHandle(handle)
	if err != nil {
		return control.Result{}, false, err
	}
	if !file.isControl() {
		return control.Result{}, false, nil
	}
	return d.channel.Flush(file.session)
}

// Release closes a handle. Bytes written to a control handle after
// its last flush are committed now.
func (d *Directory) Release(handle Handle) (control.Result, bool, error) {
	d.mu.Lock()
	file, ok := d.handles[handle]
	delete(d.handles, handle)
	d.mu.Unlock()
	if !ok {
		return control.Result{}, false, fmt.Errorf("handle %d: %w", handle, ErrBadHandle)
	}
	d.logger.Debug("handle released", "handle", uint64(handle), "file", file.name)
	if !file.isControl() {
		return control.Result{}, false, nil
	}
	return d.channel.Close(file.session)
}

// OpenHandles returns the number of open handles.
func (d *Directory) OpenHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

func (d *Directory) lookupHandle(handle Handle) (*openFile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	file, ok := d.handles[handle]
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", handle, ErrBadHandle)
	}
	return file, nil
}
