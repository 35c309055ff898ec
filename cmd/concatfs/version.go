// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/bureau-foundation/concatfs/cmd/concatfs/cli"
	"github.com/bureau-foundation/concatfs/lib/version"
	"github.com/spf13/pflag"
)

func versionCommand() *cli.Command {
	var full bool
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("version", pflag.ContinueOnError)
			flagSet.BoolVar(&full, "full", false, "include Go version, platform and protocol")
			return flagSet
		},
		Run: func(args []string) error {
			if full {
				fmt.Fprintf(os.Stdout, "concatfs %s\n", version.Full())
			} else {
				fmt.Fprintf(os.Stdout, "concatfs %s\n", version.Info())
			}
			return nil
		},
	}
}
