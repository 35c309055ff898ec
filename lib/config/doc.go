// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for concatfs.
//
// Configuration comes from one file, named by the --config flag (via
// [LoadFile]) or the CONCATFS_CONFIG environment variable (via
// [Load]). There is no discovery: with neither set, [LoadOrDefault]
// returns [Default], which mounts the five standard directories at
// $XDG_RUNTIME_DIR/concat-fuse (or ~/.concat-fuse).
//
// Fields present in the file replace the defaults; a directories list
// in the file replaces the default list entirely. After loading,
// ${VAR} and ${VAR:-default} patterns in the mountpoint are expanded.
//
// This package depends on no other concatfs packages.
package config
