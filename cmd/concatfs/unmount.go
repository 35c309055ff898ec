// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/concatfs/cmd/concatfs/cli"
	"github.com/bureau-foundation/concatfs/lib/client"
	"github.com/bureau-foundation/concatfs/lib/config"
	"github.com/spf13/pflag"
)

type unmountParams struct {
	Config     string `flag:"config,c" desc:"configuration file naming the mountpoint"`
	Mountpoint string `flag:"mountpoint,m" desc:"mount directory (default from config)"`
}

func unmountCommand() *cli.Command {
	var params unmountParams
	return &cli.Command{
		Name:    "unmount",
		Summary: "Unmount the filesystem",
		Usage:   "concatfs unmount [flags]",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("unmount", &params)
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected arguments: %v", args)
			}
			mountpoint, err := resolveMountpoint(params.Config, params.Mountpoint)
			if err != nil {
				return err
			}
			return client.Unmount(context.Background(), mountpoint)
		},
	}
}

// resolveMountpoint returns explicit when set, else the configured
// mountpoint.
func resolveMountpoint(configPath, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return "", err
	}
	return cfg.Mountpoint, nil
}
