// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// concatfs serves a FUSE filesystem of concatenated files and is also
// the client that asks it for them.
//
//	concatfs mount                     # serve until interrupted
//	concatfs concat part1 part2 part3  # prints the concatenated file's path
//	concatfs concat -g '/logs/*.log'   # a file that grows with the glob
//	concatfs concat -z backup.tar.zst  # archive members, in order
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := run(); err != nil {
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return root().Execute(os.Args[1:])
}
