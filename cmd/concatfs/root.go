// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/bureau-foundation/concatfs/cmd/concatfs/cli"
)

func root() *cli.Command {
	return &cli.Command{
		Name:    "concatfs",
		Summary: "Virtual concatenated files",
		Description: `concatfs is a FUSE filesystem of virtual files, each the concatenation
of a list of files, the files matching glob patterns, or the members of
an archive. Writing a specification into a directory's control file
creates a file named by the digest of the specification.`,
		Subcommands: []*cli.Command{
			mountCommand(),
			concatCommand(),
			unmountCommand(),
			versionCommand(),
		},
	}
}
