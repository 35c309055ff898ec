// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/bureau-foundation/concatfs/lib/clock"
	"github.com/bureau-foundation/concatfs/lib/digest"
	"github.com/bureau-foundation/concatfs/lib/version"
	"github.com/bureau-foundation/concatfs/lib/vfs"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Names of the files in the mount root. VERSION holds the protocol
// version; clients refuse a mount reporting a different one.
const (
	VersionFileName = "VERSION"
	DigestFileName  = "DIGEST"
)

// Default cache timeouts.
const (
	DefaultEntryTimeout    = 1 * time.Second
	DefaultAttrTimeout     = 1 * time.Second
	DefaultNegativeTimeout = 100 * time.Millisecond
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	// It is created if it does not exist.
	Mountpoint string

	// Directories are served under the root, by name.
	Directories []*vfs.Directory

	// Algorithm is announced in the DIGEST file.
	Algorithm digest.Algorithm

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Kernel cache timeouts. Zero uses the defaults.
	EntryTimeout    time.Duration
	AttrTimeout     time.Duration
	NegativeTimeout time.Duration

	// Clock stamps the root files. Nil means the real clock.
	Clock clock.Clock

	// Logger receives diagnostic messages. If nil, only errors are
	// logged, to stderr.
	Logger *slog.Logger
}

// Mount mounts the filesystem at the configured mountpoint. The caller
// must call Unmount on the returned server when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, errors.New("mountpoint is required")
	}
	if len(options.Directories) == 0 {
		return nil, errors.New("at least one directory is required")
	}
	seen := make(map[string]bool)
	for _, directory := range options.Directories {
		name := directory.Name()
		if name == VersionFileName || name == DigestFileName || seen[name] {
			return nil, fmt.Errorf("duplicate or reserved directory name %q", name)
		}
		seen[name] = true
	}
	if options.Algorithm == "" {
		options.Algorithm = digest.BLAKE3
	}
	if options.EntryTimeout == 0 {
		options.EntryTimeout = DefaultEntryTimeout
	}
	if options.AttrTimeout == 0 {
		options.AttrTimeout = DefaultAttrTimeout
	}
	if options.NegativeTimeout == 0 {
		options.NegativeTimeout = DefaultNegativeTimeout
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &rootNode{options: &options, mounted: options.Clock.Now()}

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &options.EntryTimeout,
		AttrTimeout:     &options.AttrTimeout,
		NegativeTimeout: &options.NegativeTimeout,
		UID:             uint32(os.Getuid()),
		GID:             uint32(os.Getgid()),
		MountOptions: fuse.MountOptions{
			FsName:     "concatfs",
			Name:       "concatfs",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("concatfs mounted",
		"mountpoint", options.Mountpoint,
		"directories", len(options.Directories),
		"digest", string(options.Algorithm),
	)
	return server, nil
}

// rootNode holds VERSION, DIGEST and the mode directories.
type rootNode struct {
	gofuse.Inode
	options *Options
	mounted time.Time
}

var _ gofuse.InodeEmbedder = (*rootNode)(nil)
var _ gofuse.NodeOnAdder = (*rootNode)(nil)

func (r *rootNode) OnAdd(ctx context.Context) {
	versionFile := r.NewPersistentInode(ctx, &staticFile{
		data:     []byte(version.Protocol + "\n"),
		modified: r.mounted,
	}, gofuse.StableAttr{Mode: syscall.S_IFREG})
	r.AddChild(VersionFileName, versionFile, true)

	digestFile := r.NewPersistentInode(ctx, &staticFile{
		data:     []byte(string(r.options.Algorithm) + "\n"),
		modified: r.mounted,
	}, gofuse.StableAttr{Mode: syscall.S_IFREG})
	r.AddChild(DigestFileName, digestFile, true)

	for _, directory := range r.options.Directories {
		node := &dirNode{
			directory: directory,
			logger:    r.options.Logger.With("directory", directory.Name()),
		}
		child := r.NewPersistentInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFDIR})
		r.AddChild(directory.Name(), child, true)
	}
}

// staticFile is a small read-only file with fixed contents.
type staticFile struct {
	gofuse.Inode
	data     []byte
	modified time.Time
}

var _ gofuse.InodeEmbedder = (*staticFile)(nil)
var _ gofuse.NodeGetattrer = (*staticFile)(nil)
var _ gofuse.NodeOpener = (*staticFile)(nil)
var _ gofuse.NodeReader = (*staticFile)(nil)

func (s *staticFile) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFREG | 0o444
	out.Size = uint64(len(s.data))
	out.Nlink = 1
	out.SetTimes(nil, &s.modified, &s.modified)
	return 0
}

func (s *staticFile) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&syscall.O_ACCMODE != syscall.O_RDONLY {
		return nil, 0, syscall.EACCES
	}
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (s *staticFile) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if off >= int64(len(s.data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(s.data)) {
		end = int64(len(s.data))
	}
	return fuse.ReadResultData(s.data[off:end]), 0
}

// sliceDirStream implements fs.DirStream from a slice of entries.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}
