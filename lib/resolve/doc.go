// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package resolve turns a committed specification into the ordered
// byte sources of a composite file.
//
// Three strategies exist, one per composition mode:
//
//   - [Resolver.Files] takes an explicit path list. A path that does
//     not exist becomes an empty member, so the composite can still be
//     created and later refreshes pick the file up once it appears.
//     Any other failure (a directory, a permission error) fails the
//     whole resolution.
//
//   - [Resolver.Globs] expands each pattern and concatenates the
//     matches, pattern by pattern, each pattern's matches in lexical
//     order. Re-running the expansion is what makes refreshing a glob
//     composite useful: new files that match show up.
//
//   - [Resolver.Archive] takes an archive image (or, when the bytes are
//     not an archive, the path of one) and returns one source per
//     regular member, in archive order. Zip members stored without
//     compression are read directly out of the image; compressed
//     members are decompressed once, on first read. Tar archives may be
//     wrapped in gzip, zstd, or lz4.
//
// All failures wrap [ErrResolution] so callers can tell a resolution
// failure from a read failure.
package resolve
