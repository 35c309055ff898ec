// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"context"
	"log/slog"
	"syscall"

	"github.com/bureau-foundation/concatfs/lib/control"
	"github.com/bureau-foundation/concatfs/lib/vfs"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// dirNode is one mode directory.
type dirNode struct {
	gofuse.Inode
	directory *vfs.Directory
	logger    *slog.Logger
}

var _ gofuse.InodeEmbedder = (*dirNode)(nil)
var _ gofuse.NodeLookuper = (*dirNode)(nil)
var _ gofuse.NodeReaddirer = (*dirNode)(nil)
var _ gofuse.NodeGetattrer = (*dirNode)(nil)

func (d *dirNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFDIR | 0o755
	return 0
}

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	attr, err := d.directory.Getattr(name)
	if err != nil {
		return nil, d.fail("lookup", name, err)
	}
	fillAttr(&out.Attr, attr)

	if child := d.GetChild(name); child != nil {
		return child, 0
	}
	node := &fileNode{parent: d, name: name}
	return d.NewInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG}), 0
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	names := d.directory.Names()
	entries := make([]fuse.DirEntry, len(names))
	for i, name := range names {
		entries[i] = fuse.DirEntry{Name: name, Mode: syscall.S_IFREG}
	}
	return &sliceDirStream{entries: entries}, 0
}

// announce tells the kernel about the outcome of a commit: a new name
// replaces any cached negative lookup, and a refreshed composite drops
// its cached pages and attributes. Called from Flush and Release of a
// control handle, which hold no kernel lock on the directory or on the
// composite, so the notification cannot deadlock against them.
func (d *dirNode) announce(result control.Result) {
	name := result.Entry.Name()
	if result.Created {
		if errno := d.NotifyEntry(name); errno != 0 {
			d.logger.Debug("entry notification failed", "name", name, "errno", errno)
		}
		return
	}
	child := d.GetChild(name)
	if child == nil {
		return
	}
	if errno := child.NotifyContent(0, 0); errno != 0 {
		d.logger.Debug("content notification failed", "name", name, "errno", errno)
	}
}

// fail logs err and returns the errno it maps to. Lookups of absent
// names are routine and not logged.
func (d *dirNode) fail(operation, name string, err error) syscall.Errno {
	errno := errnoFor(err)
	switch errno {
	case syscall.ENOENT:
	case syscall.EACCES, syscall.EBADF:
		d.logger.Debug("request rejected", "operation", operation, "name", name, "error", err)
	default:
		d.logger.Error("request failed", "operation", operation, "name", name, "error", err)
	}
	return errno
}

// fileNode is the control file or a composite file.
type fileNode struct {
	gofuse.Inode
	parent *dirNode
	name   string
}

var _ gofuse.InodeEmbedder = (*fileNode)(nil)
var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeSetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)

func (f *fileNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := f.parent.directory.Getattr(f.name)
	if err != nil {
		return f.parent.fail("getattr", f.name, err)
	}
	fillAttr(&out.Attr, attr)
	return 0
}

// Setattr handles truncation. Other attribute changes are ignored.
func (f *fileNode) Setattr(ctx context.Context, fh gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if err := f.parent.directory.Truncate(f.name, int64(size)); err != nil {
			return f.parent.fail("truncate", f.name, err)
		}
	}
	return f.Getattr(ctx, fh, out)
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	handle, err := f.parent.directory.Open(f.name, flags)
	if err != nil {
		return nil, 0, f.parent.fail("open", f.name, err)
	}
	var fuseFlags uint32
	if f.name == vfs.ControlName {
		fuseFlags = fuse.FOPEN_DIRECT_IO
	}
	return &fileHandle{node: f, handle: handle}, fuseFlags, 0
}

// fileHandle is one open of a fileNode.
type fileHandle struct {
	node   *fileNode
	handle vfs.Handle
}

var _ gofuse.FileReader = (*fileHandle)(nil)
var _ gofuse.FileWriter = (*fileHandle)(nil)
var _ gofuse.FileFlusher = (*fileHandle)(nil)
var _ gofuse.FileReleaser = (*fileHandle)(nil)

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.node.parent.directory.Read(h.handle, dest, off)
	if err != nil {
		return nil, h.node.parent.fail("read", h.node.name, err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.node.parent.directory.Write(h.handle, data)
	if err != nil {
		return 0, h.node.parent.fail("write", h.node.name, err)
	}
	return uint32(n), 0
}

// Flush commits what a control handle has received so far. The kernel
// flushes on every close(2) of a shared descriptor, so the handle
// stays writable afterwards.
func (h *fileHandle) Flush(ctx context.Context) syscall.Errno {
	result, committed, err := h.node.parent.directory.Flush(h.handle)
	if err != nil {
		return h.node.parent.fail("commit", h.node.name, err)
	}
	if committed {
		h.node.parent.announce(result)
	}
	return 0
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	result, committed, err := h.node.parent.directory.Release(h.handle)
	if err != nil {
		return h.node.parent.fail("release", h.node.name, err)
	}
	if committed {
		h.node.parent.announce(result)
	}
	return 0
}

func fillAttr(out *fuse.Attr, attr vfs.Attr) {
	out.Mode = attr.Mode
	out.Size = uint64(attr.Size)
	out.Blocks = (out.Size + 511) / 512
	out.Nlink = 1
	out.SetTimes(nil, &attr.Modified, &attr.Modified)
}
