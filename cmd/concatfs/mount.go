// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/bureau-foundation/concatfs/cmd/concatfs/cli"
	"github.com/bureau-foundation/concatfs/lib/clock"
	"github.com/bureau-foundation/concatfs/lib/config"
	"github.com/bureau-foundation/concatfs/lib/control"
	"github.com/bureau-foundation/concatfs/lib/digest"
	concatfuse "github.com/bureau-foundation/concatfs/lib/fuse"
	"github.com/bureau-foundation/concatfs/lib/resolve"
	"github.com/bureau-foundation/concatfs/lib/vfs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

// metricsShutdownTimeout bounds the drain of the metrics listener.
const metricsShutdownTimeout = 5 * time.Second

type mountParams struct {
	Config     string `flag:"config,c" desc:"configuration file (default $CONCATFS_CONFIG, else built-in)"`
	Mountpoint string `flag:"mountpoint,m" desc:"mount directory, overriding the configuration"`
	AllowOther bool   `flag:"allow-other" desc:"let other users access the mount (needs user_allow_other)"`
}

func mountCommand() *cli.Command {
	var params mountParams
	return &cli.Command{
		Name:    "mount",
		Summary: "Mount the filesystem and serve until interrupted",
		Usage:   "concatfs mount [flags]",
		Description: `Mount concatfs and serve requests until SIGINT or SIGTERM, then
unmount. The mount root holds VERSION, DIGEST and one directory per
configured mode.`,
		Examples: []cli.Example{
			{Description: "Mount at the default location", Command: "concatfs mount"},
			{Description: "Mount elsewhere with a config file", Command: "concatfs mount -c concatfs.yaml -m /mnt/concat"},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("mount", &params)
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected arguments: %v", args)
			}
			cfg, err := loadMountConfig(params)
			if err != nil {
				return err
			}
			logger := cli.NewCommandLogger(cfg.Level())

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, clock.Real(), logger)
		},
	}
}

// loadMountConfig loads the configuration and applies flag overrides.
func loadMountConfig(params mountParams) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(params.Config)
	if err != nil {
		return nil, err
	}
	if params.Mountpoint != "" {
		cfg.Mountpoint = params.Mountpoint
	}
	if params.AllowOther {
		cfg.AllowOther = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// serve mounts the filesystem and blocks until ctx is cancelled or the
// kernel unmounts it.
func serve(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *slog.Logger) error {
	hasher, err := digest.NewFunction(digest.Algorithm(cfg.Digest))
	if err != nil {
		return err
	}
	resolver := resolve.New(resolve.Options{
		MaxArchiveBytes: cfg.Archive.MaxBytes,
		Logger:          logger,
	})
	directories, err := buildDirectories(cfg, resolver, hasher, clk, logger)
	if err != nil {
		return err
	}

	server, err := concatfuse.Mount(concatfuse.Options{
		Mountpoint:      cfg.Mountpoint,
		Directories:     directories,
		Algorithm:       hasher.Algorithm(),
		AllowOther:      cfg.AllowOther,
		EntryTimeout:    cfg.Timeouts.Entry,
		AttrTimeout:     cfg.Timeouts.Attr,
		NegativeTimeout: cfg.Timeouts.Negative,
		Clock:           clk,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	if cfg.MetricsListen != "" {
		metrics := startMetricsServer(cfg.MetricsListen, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			if err := metrics.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown", "error", err)
			}
		}()
	}

	unmounted := make(chan struct{})
	go func() {
		server.Wait()
		close(unmounted)
	}()

	select {
	case <-ctx.Done():
		logger.Info("unmounting", "mountpoint", cfg.Mountpoint)
		if err := server.Unmount(); err != nil {
			return fmt.Errorf("unmounting %s: %w", cfg.Mountpoint, err)
		}
		<-unmounted
	case <-unmounted:
		logger.Info("unmounted externally", "mountpoint", cfg.Mountpoint)
	}
	return nil
}

// buildDirectories creates one vfs directory per configured mode
// directory, all sharing resolver and hasher.
func buildDirectories(cfg *config.Config, resolver control.Resolver, hasher control.Hasher, clk clock.Clock, logger *slog.Logger) ([]*vfs.Directory, error) {
	directories := make([]*vfs.Directory, 0, len(cfg.Directories))
	for _, directoryConfig := range cfg.Directories {
		mode, err := control.ParseMode(directoryConfig.Mode)
		if err != nil {
			return nil, fmt.Errorf("directory %s: %w", directoryConfig.Name, err)
		}
		separator, err := directoryConfig.SeparatorByte()
		if err != nil {
			return nil, err
		}
		directory, err := vfs.New(vfs.Options{
			Name:      directoryConfig.Name,
			Mode:      mode,
			Separator: separator,
			Resolver:  resolver,
			Hasher:    hasher,
			Clock:     clk,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("directory %s: %w", directoryConfig.Name, err)
		}
		directories = append(directories, directory)
	}
	return directories, nil
}

// startMetricsServer serves the default Prometheus registry on
// address until shut down.
func startMetricsServer(address string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "address", address, "error", err)
		}
	}()
	logger.Info("serving metrics", "address", address)
	return server
}
