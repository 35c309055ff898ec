// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package client talks to a mounted concatfs from the outside, the way
// any other process would: by writing specifications into control
// files and computing the resulting virtual file names.
//
// [Connect] mounts the filesystem first when nothing is mounted at the
// mountpoint, by starting the concatfs binary detached from the
// caller. [Open] assumes the mount exists. Both check the mount's
// protocol version and read the digest algorithm it names files with.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bureau-foundation/concatfs/lib/clock"
	"github.com/bureau-foundation/concatfs/lib/digest"
	"github.com/bureau-foundation/concatfs/lib/version"
	"golang.org/x/sys/unix"
)

// Directory names written to by the client. A mount configured
// without them cannot serve the corresponding client operation.
const (
	ListDirectory    = "from-file0"
	GlobDirectory    = "from-glob0"
	ArchiveDirectory = "from-zip"
)

// DefaultMountTimeout bounds how long Connect waits for a freshly
// started mount to appear.
const DefaultMountTimeout = 10 * time.Second

// mountPollInterval is how often Connect checks for the mount.
const mountPollInterval = 50 * time.Millisecond

// ErrVersionMismatch is returned when the mount speaks a different
// protocol version.
var ErrVersionMismatch = errors.New("concatfs protocol version mismatch")

// Options configures Connect.
type Options struct {
	// Mountpoint is where the filesystem is (or will be) mounted.
	Mountpoint string

	// Executable is the concatfs binary started when nothing is
	// mounted. Empty means the running executable.
	Executable string

	// MountArguments are appended to "mount --mountpoint DIR" when
	// starting the binary (for example --config).
	MountArguments []string

	// MountTimeout bounds the wait for a started mount. Zero uses
	// DefaultMountTimeout.
	MountTimeout time.Duration

	// Clock paces the mount polling. Nil means the real clock.
	Clock clock.Clock

	// Logger receives diagnostic messages. If nil, only errors are
	// logged, to stderr.
	Logger *slog.Logger
}

// Client writes specifications to one mount.
type Client struct {
	mountpoint string
	hasher     digest.Function
}

// Connect returns a client for the mount at options.Mountpoint,
// mounting it first if necessary.
func Connect(ctx context.Context, options Options) (*Client, error) {
	if options.Mountpoint == "" {
		return nil, errors.New("mountpoint is required")
	}
	if options.MountTimeout == 0 {
		options.MountTimeout = DefaultMountTimeout
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
		return nil, fmt.Errorf("creating mountpoint: %w", err)
	}
	mounted, err := IsMounted(options.Mountpoint)
	if err != nil {
		return nil, err
	}
	if !mounted {
		if err := startMount(ctx, options); err != nil {
			return nil, err
		}
	}
	return Open(options.Mountpoint)
}

// Open returns a client for an existing mount.
func Open(mountpoint string) (*Client, error) {
	data, err := os.ReadFile(filepath.Join(mountpoint, "VERSION"))
	if err != nil {
		return nil, fmt.Errorf("reading mount version: %w", err)
	}
	if got := strings.TrimSpace(string(data)); got != version.Protocol {
		return nil, fmt.Errorf("%w: mount at %s reports %q, this client speaks %q",
			ErrVersionMismatch, mountpoint, got, version.Protocol)
	}

	// Mounts that predate the DIGEST file name files by SHA-1.
	algorithm := digest.SHA1
	data, err = os.ReadFile(filepath.Join(mountpoint, "DIGEST"))
	switch {
	case err == nil:
		algorithm = digest.Algorithm(strings.TrimSpace(string(data)))
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("reading mount digest algorithm: %w", err)
	}
	hasher, err := digest.NewFunction(algorithm)
	if err != nil {
		return nil, fmt.Errorf("mount at %s: %w", mountpoint, err)
	}
	return &Client{mountpoint: mountpoint, hasher: hasher}, nil
}

// Mountpoint returns the mount the client writes to.
func (c *Client) Mountpoint() string {
	return c.mountpoint
}

// VirtualPath returns the path of the file that specification produces
// in directory. It does not contact the mount.
func (c *Client) VirtualPath(directory string, specification []byte) string {
	return filepath.Join(c.mountpoint, directory, c.hasher.Sum(specification).String())
}

// Concat creates a composite of paths, in order, and returns its path.
func (c *Client) Concat(paths []string) (string, error) {
	return c.commit(ListDirectory, joinNUL(paths))
}

// Glob creates a composite of every file matching patterns and returns
// its path. Committing the same patterns again picks up new matches.
func (c *Client) Glob(patterns []string) (string, error) {
	return c.commit(GlobDirectory, joinNUL(patterns))
}

// Archive creates a composite of the members of the archive at path
// and returns its path.
func (c *Client) Archive(path string) (string, error) {
	return c.commit(ArchiveDirectory, []byte(path))
}

func (c *Client) commit(directory string, specification []byte) (string, error) {
	controlPath := filepath.Join(c.mountpoint, directory, "control")
	file, err := os.OpenFile(controlPath, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return "", fmt.Errorf("opening control file: %w", err)
	}
	if _, err := file.Write(specification); err != nil {
		file.Close()
		return "", fmt.Errorf("writing specification: %w", err)
	}
	// The mount commits on close; a failure to resolve the
	// specification is reported here.
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("committing specification: %w", err)
	}
	return c.VirtualPath(directory, specification), nil
}

func joinNUL(elements []string) []byte {
	return []byte(strings.Join(elements, "\x00"))
}

// LinkWithExtension creates a symlink to target, named after target
// plus extension, in a fresh temporary directory. Programs that pick
// a decoder by file extension can open the link.
func LinkWithExtension(target, extension string) (string, error) {
	directory, err := os.MkdirTemp("", "concatfs-")
	if err != nil {
		return "", fmt.Errorf("creating link directory: %w", err)
	}
	link := filepath.Join(directory, filepath.Base(target)+extension)
	if err := os.Symlink(target, link); err != nil {
		return "", fmt.Errorf("creating link: %w", err)
	}
	return link, nil
}

// IsMounted reports whether path is a mount point: it lives on a
// different device than its parent, or it is the root.
func IsMounted(path string) (bool, error) {
	var self, parent unix.Stat_t
	if err := unix.Lstat(path, &self); err != nil {
		if errors.Is(err, unix.ENOTCONN) {
			// A FUSE mount whose server has died.
			return true, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := unix.Lstat(filepath.Join(path, ".."), &parent); err != nil {
		return false, fmt.Errorf("stat parent of %s: %w", path, err)
	}
	if self.Dev != parent.Dev {
		return true, nil
	}
	return self.Ino == parent.Ino, nil
}

// Unmount unmounts the filesystem at mountpoint if one is mounted.
func Unmount(ctx context.Context, mountpoint string) error {
	mounted, err := IsMounted(mountpoint)
	if err != nil || !mounted {
		return err
	}
	helper, err := fusermount()
	if err != nil {
		return err
	}
	output, err := exec.CommandContext(ctx, helper, "-u", mountpoint).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s -u %s: %w: %s", helper, mountpoint, err, strings.TrimSpace(string(output)))
	}
	return nil
}

func fusermount() (string, error) {
	for _, name := range []string{"fusermount3", "fusermount"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", errors.New("neither fusermount3 nor fusermount found on PATH")
}

// startMount starts the concatfs binary in its own session and waits
// for the mount to appear.
func startMount(ctx context.Context, options Options) error {
	executable := options.Executable
	if executable == "" {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locating concatfs binary: %w", err)
		}
		executable = self
	}

	arguments := append([]string{"mount", "--mountpoint", options.Mountpoint}, options.MountArguments...)
	command := exec.Command(executable, arguments...)
	command.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := command.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", executable, err)
	}
	options.Logger.Info("started concatfs mount", "executable", executable, "mountpoint", options.Mountpoint, "pid", command.Process.Pid)

	exited := make(chan error, 1)
	go func() {
		exited <- command.Wait()
	}()

	deadline := options.Clock.Now().Add(options.MountTimeout)
	for {
		mounted, err := IsMounted(options.Mountpoint)
		if err != nil {
			return err
		}
		if mounted {
			return nil
		}
		if !options.Clock.Now().Before(deadline) {
			return fmt.Errorf("mount at %s did not appear within %s", options.Mountpoint, options.MountTimeout)
		}
		select {
		case err := <-exited:
			if err == nil {
				err = errors.New("exited without mounting")
			}
			return fmt.Errorf("concatfs mount process: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		case <-options.Clock.After(mountPollInterval):
		}
	}
}
