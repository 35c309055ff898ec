// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package control implements the write-then-commit protocol of a
// directory's control file.
//
// A client opens the control file write-only, writes a specification
// in any number of writes, and closes it. Each open gets its own
// session buffer keyed by an opaque handle. A flush commits the bytes
// written so far and keeps the session open, since the kernel flushes
// on every close(2) of a shared descriptor. Close commits whatever was
// written after the last flush and ends the session. A commit hashes
// the buffer; the digest either names an existing entry, which is
// refreshed, or a new one, which is built by resolving the
// specification according to the directory's mode.
package control

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/bureau-foundation/concatfs/lib/contenttable"
	"github.com/bureau-foundation/concatfs/lib/digest"
	"github.com/bureau-foundation/concatfs/lib/source"
	"golang.org/x/sys/unix"
)

var (
	// ErrAccessDenied is returned by Open for any access mode other
	// than write-only.
	ErrAccessDenied = errors.New("access denied")

	// ErrBadHandle is returned for operations on a handle with no live
	// session.
	ErrBadHandle = errors.New("bad handle")
)

// Handle identifies one open of the control file. Handles are never
// reused while the channel lives.
type Handle uint64

// Hasher names specifications. digest.Function implements it.
type Hasher interface {
	Sum(data []byte) digest.Digest
}

// Resolver turns specifications into byte sources.
// *resolve.Resolver implements it.
type Resolver interface {
	Files(paths []string) ([]source.ByteSource, error)
	Globs(patterns []string) ([]source.ByteSource, error)
	Archive(image []byte) ([]source.ByteSource, error)
}

// Options configures a Channel. Table, Resolver and Hasher are
// required.
type Options struct {
	Mode      Mode
	Separator byte
	Table     *contenttable.Table
	Resolver  Resolver
	Hasher    Hasher

	// Logger receives diagnostic messages. If nil, only errors are
	// logged, to stderr.
	Logger *slog.Logger
}

// Channel is the control file of one directory. Safe for concurrent
// use.
type Channel struct {
	mode      Mode
	separator byte
	table     *contenttable.Table
	resolver  Resolver
	hasher    Hasher
	logger    *slog.Logger

	mu         sync.Mutex
	sessions   map[Handle]*session
	lastHandle Handle
}

// session accumulates the writes of one handle.
type session struct {
	mu     sync.Mutex
	buffer bytes.Buffer

	// The buffer length at the last commit attempt, or -1 before the
	// first one. The buffer only grows, so a different length means
	// new bytes.
	committedLength int
}

// pending returns a copy of the buffer if it changed since the last
// commit attempt, and marks it attempted.
func (s *session) pending() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffer.Len() == s.committedLength {
		return nil, false
	}
	s.committedLength = s.buffer.Len()
	return bytes.Clone(s.buffer.Bytes()), true
}

// New returns a channel with no open sessions.
func New(options Options) (*Channel, error) {
	switch options.Mode {
	case ModeList, ModeGlob, ModeArchive:
	default:
		return nil, fmt.Errorf("invalid control mode %v", options.Mode)
	}
	if options.Table == nil || options.Resolver == nil || options.Hasher == nil {
		return nil, errors.New("control channel requires a table, a resolver and a hasher")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}
	return &Channel{
		mode:      options.Mode,
		separator: options.Separator,
		table:     options.Table,
		resolver:  options.Resolver,
		hasher:    options.Hasher,
		logger:    options.Logger,
		sessions:  make(map[Handle]*session),
	}, nil
}

// Mode returns the channel's mode.
func (c *Channel) Mode() Mode {
	return c.mode
}

// Open starts a session. flags are open(2) flags; the access mode must
// be O_WRONLY.
func (c *Channel) Open(flags uint32) (Handle, error) {
	if flags&unix.O_ACCMODE != unix.O_WRONLY {
		return 0, fmt.Errorf("control file must be opened write-only: %w", ErrAccessDenied)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHandle++
	handle := c.lastHandle
	c.sessions[handle] = &session{committedLength: -1}
	c.logger.Debug("control session opened", "handle", uint64(handle))
	return handle, nil
}

// Write appends data to the session's buffer and reports the full
// length as written. Write offsets are ignored: the specification is
// the concatenation of all writes, in order.
func (c *Channel) Write(handle Handle, data []byte) (int, error) {
	s, err := c.session(handle)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Write(data)
}

// Truncate is accepted and ignored. Shells truncate before writing
// with ">", and the control file always reads as empty.
func (c *Channel) Truncate(size int64) error {
	return nil
}

// Result is the outcome of a successful commit.
type Result struct {
	Entry *contenttable.Entry

	// Created is true when the commit built a new entry, false when
	// it refreshed an existing one.
	Created bool
}

// Flush commits the bytes written so far if they changed since the
// last commit. The session stays open and later writes keep
// appending. committed is false when there was nothing new.
func (c *Channel) Flush(handle Handle) (result Result, committed bool, err error) {
	s, err := c.session(handle)
	if err != nil {
		return Result{}, false, err
	}
	return c.commitPending(s)
}

// Close ends the session, first committing any bytes written since the
// last flush. The session is gone afterwards whether or not the commit
// succeeds.
func (c *Channel) Close(handle Handle) (result Result, committed bool, err error) {
	c.mu.Lock()
	s, ok := c.sessions[handle]
	delete(c.sessions, handle)
	c.mu.Unlock()
	if !ok {
		return Result{}, false, fmt.Errorf("handle %d: %w", handle, ErrBadHandle)
	}
	c.logger.Debug("control session closed", "handle", uint64(handle))
	return c.commitPending(s)
}

func (c *Channel) commitPending(s *session) (Result, bool, error) {
	specification, ok := s.pending()
	if !ok {
		return Result{}, false, nil
	}
	result, err := c.commit(specification)
	if err != nil {
		return Result{}, false, err
	}
	return result, true, nil
}

func (c *Channel) commit(specification []byte) (Result, error) {
	d := c.hasher.Sum(specification)
	entry, created, err := c.table.Commit(d, c.resolveFunc(specification))
	if err != nil {
		return Result{}, fmt.Errorf("committing %s specification: %w", c.mode, err)
	}
	c.logger.Info("specification committed",
		"mode", c.mode.String(),
		"digest", entry.Name(),
		"created", created,
		"size", entry.Size(),
	)
	return Result{Entry: entry, Created: created}, nil
}

// Sessions returns the number of open sessions.
func (c *Channel) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Channel) session(handle Handle) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[handle]
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", handle, ErrBadHandle)
	}
	return s, nil
}

// resolveFunc binds specification to the mode's resolver. The
// returned function is stored with the entry and re-run on refresh.
func (c *Channel) resolveFunc(specification []byte) contenttable.Resolve {
	switch c.mode {
	case ModeList:
		paths := SplitList(specification, c.separator)
		return func() ([]source.ByteSource, error) {
			return c.resolver.Files(paths)
		}
	case ModeGlob:
		patterns := SplitList(specification, c.separator)
		return func() ([]source.ByteSource, error) {
			return c.resolver.Globs(patterns)
		}
	default:
		return func() ([]source.ByteSource, error) {
			return c.resolver.Archive(specification)
		}
	}
}
