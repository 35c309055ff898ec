// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for the concatfs binary.
//
// [GitCommit], [GitDirty], [BuildTime] and [Version] are injected at
// build time:
//
//	go build -ldflags "-X github.com/bureau-foundation/concatfs/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// [Protocol] is the version of the control-file protocol, checked by
// the concat client against the mount's VERSION file.
package version
