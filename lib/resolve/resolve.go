// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/bureau-foundation/concatfs/lib/source"
	"github.com/spf13/afero"
)

// DefaultMaxArchiveBytes bounds archive images loaded from a path and
// the decompressed size of compressed tar streams.
const DefaultMaxArchiveBytes = 1 << 30

// ErrResolution is wrapped by every error this package returns.
var ErrResolution = errors.New("source resolution failed")

// Options configures a Resolver.
type Options struct {
	// Filesystem is where paths and patterns are resolved. Nil means
	// the host filesystem.
	Filesystem afero.Fs

	// MaxArchiveBytes bounds archive images read from a path and
	// decompressed tar streams. Zero uses DefaultMaxArchiveBytes.
	MaxArchiveBytes int64

	// Logger receives diagnostic messages. If nil, only errors are
	// logged, to stderr.
	Logger *slog.Logger
}

// Resolver builds byte sources from specifications. It holds no
// mutable state and is safe for concurrent use.
type Resolver struct {
	filesystem      afero.Fs
	maxArchiveBytes int64
	logger          *slog.Logger
}

// New returns a Resolver configured by options.
func New(options Options) *Resolver {
	if options.Filesystem == nil {
		options.Filesystem = afero.NewOsFs()
	}
	if options.MaxArchiveBytes <= 0 {
		options.MaxArchiveBytes = DefaultMaxArchiveBytes
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}
	return &Resolver{
		filesystem:      options.Filesystem,
		maxArchiveBytes: options.MaxArchiveBytes,
		logger:          options.Logger,
	}
}

// Files returns one source per path, in order.
func (r *Resolver) Files(paths []string) ([]source.ByteSource, error) {
	sources := make([]source.ByteSource, 0, len(paths))
	for _, path := range paths {
		file, err := source.NewFile(r.filesystem, path)
		if errors.Is(err, fs.ErrNotExist) {
			r.logger.Warn("listed file does not exist, using an empty member", "path", path)
			sources = append(sources, source.Empty())
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrResolution, err)
		}
		sources = append(sources, file)
	}
	return sources, nil
}

// Globs expands patterns in order and returns one source per regular
// file matched. A pattern that matches nothing contributes nothing.
func (r *Resolver) Globs(patterns []string) ([]source.ByteSource, error) {
	var sources []source.ByteSource
	for _, pattern := range patterns {
		matches, err := afero.Glob(r.filesystem, pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: expanding %q: %w", ErrResolution, pattern, err)
		}
		for _, match := range matches {
			file, err := source.NewFile(r.filesystem, match)
			if err != nil {
				// Directories, and files removed between the
				// expansion and the stat, are not members.
				r.logger.Debug("skipping glob match", "pattern", pattern, "path", match, "error", err)
				continue
			}
			sources = append(sources, file)
		}
	}
	return sources, nil
}
