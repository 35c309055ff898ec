// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/concatfs/cmd/concatfs/cli"
	"github.com/bureau-foundation/concatfs/lib/client"
	"github.com/bureau-foundation/concatfs/lib/control"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
)

type concatParams struct {
	FromFile   []string `flag:"from-file" desc:"read file names from FILE, one per line (repeatable)"`
	FromFile0  []string `flag:"from-file0" desc:"read file names from FILE, NUL separated (repeatable)"`
	Stdin      bool     `flag:"stdin" desc:"read file names from stdin, one per line (same as the argument -)"`
	Stdin0     bool     `flag:"stdin0,0" desc:"read file names from stdin, NUL separated"`
	Globs      []string `flag:"glob,g" desc:"select files by glob pattern; the file grows as matches appear (repeatable)"`
	Archive    string   `flag:"zip,z" desc:"concatenate the members of ARCHIVE (zip or tar, optionally compressed)"`
	Keep       bool     `flag:"keep,k" desc:"continue when listed files are missing"`
	DryRun     bool     `flag:"dry-run,n" desc:"print the resolved names instead of creating the file"`
	Extension  string   `flag:"ext" desc:"print a symlink to the file with this extension appended"`
	Mountpoint string   `flag:"mountpoint,m" desc:"mount directory (default from config)"`
	Executable string   `flag:"exe,e" desc:"concatfs binary used to mount when nothing is mounted"`
	Config     string   `flag:"config,c" desc:"configuration file passed on to an automatic mount"`
}

func concatCommand() *cli.Command {
	var params concatParams
	return &cli.Command{
		Name:    "concat",
		Summary: "Create a virtual concatenated file and print its path",
		Usage:   "concatfs concat [flags] [FILES...]",
		Description: `Create a virtual file that concatenates FILES, the files matching glob
patterns, or the members of an archive, and print its path. The
filesystem is mounted first if nothing is mounted at the mountpoint.

File lists, globs and archives cannot be mixed in one request.`,
		Examples: []cli.Example{
			{Description: "Play a split video as one file", Command: "mpv $(concatfs concat --ext .mkv VTS_01_*.VOB)"},
			{Description: "Follow a growing set of logs", Command: "less $(concatfs concat -g '/var/log/app/*.log')"},
			{Description: "Read file names from find", Command: "find . -name '*.part' -print0 | concatfs concat --stdin0"},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("concat", &params)
		},
		Run: func(args []string) error {
			return runConcat(context.Background(), params, args, afero.NewOsFs(), os.Stdin, os.Stdout, os.Stderr)
		},
	}
}

// concatRequest is what one concat invocation asks the mount for.
// At most one of its fields is set.
type concatRequest struct {
	Files   []string
	Globs   []string
	Archive string
}

func runConcat(ctx context.Context, params concatParams, args []string, filesystem afero.Fs, stdin io.Reader, stdout, stderr io.Writer) error {
	request, err := buildConcatRequest(params, args, filesystem, stdin)
	if err != nil {
		return err
	}

	if len(request.Files) > 0 {
		if missing := reportMissing(filesystem, request.Files, stderr); missing > 0 && !params.Keep {
			fmt.Fprintln(stderr, "use --keep to continue with missing files")
			return &cli.ExitError{Code: 1}
		}
	}
	if request.Archive != "" {
		if _, err := filesystem.Stat(request.Archive); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
	}

	if params.DryRun {
		for _, name := range request.names() {
			fmt.Fprintln(stdout, name)
		}
		return nil
	}

	mountpoint, err := resolveMountpoint(params.Config, params.Mountpoint)
	if err != nil {
		return err
	}
	var mountArguments []string
	if params.Config != "" {
		mountArguments = []string{"--config", params.Config}
	}
	concat, err := client.Connect(ctx, client.Options{
		Mountpoint:     mountpoint,
		Executable:     params.Executable,
		MountArguments: mountArguments,
	})
	if err != nil {
		return err
	}

	var virtualPath string
	switch {
	case len(request.Files) > 0:
		virtualPath, err = concat.Concat(request.Files)
	case len(request.Globs) > 0:
		virtualPath, err = concat.Glob(request.Globs)
	default:
		virtualPath, err = concat.Archive(request.Archive)
	}
	if err != nil {
		return err
	}

	if params.Extension != "" {
		virtualPath, err = client.LinkWithExtension(virtualPath, params.Extension)
		if err != nil {
			return err
		}
	}
	fmt.Fprintln(stdout, virtualPath)
	return nil
}

// buildConcatRequest gathers names from every source in the order
// stdin, --from-file, --from-file0, arguments, and makes them
// absolute.
func buildConcatRequest(params concatParams, args []string, filesystem afero.Fs, stdin io.Reader) (concatRequest, error) {
	var request concatRequest

	var positional []string
	for _, arg := range args {
		if arg == "-" {
			params.Stdin = true
			continue
		}
		positional = append(positional, arg)
	}
	if params.Stdin && params.Stdin0 {
		return request, errors.New("--stdin and --stdin0 are mutually exclusive")
	}

	var files []string
	if params.Stdin || params.Stdin0 {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return request, fmt.Errorf("reading stdin: %w", err)
		}
		files = append(files, splitNames(data, params.Stdin0)...)
	}
	for _, listFile := range params.FromFile {
		names, err := readNameList(filesystem, listFile, false)
		if err != nil {
			return request, err
		}
		files = append(files, names...)
	}
	for _, listFile := range params.FromFile0 {
		names, err := readNameList(filesystem, listFile, true)
		if err != nil {
			return request, err
		}
		files = append(files, names...)
	}
	files = append(files, positional...)

	kinds := 0
	for _, present := range []bool{len(files) > 0, len(params.Globs) > 0, params.Archive != ""} {
		if present {
			kinds++
		}
	}
	switch {
	case kinds == 0:
		return request, errors.New("no input files provided")
	case kinds > 1:
		return request, errors.New("file lists, globs and archives cannot be mixed")
	}

	var err error
	if request.Files, err = absolutePaths(files); err != nil {
		return request, err
	}
	if request.Globs, err = absolutePaths(params.Globs); err != nil {
		return request, err
	}
	if params.Archive != "" {
		if request.Archive, err = filepath.Abs(params.Archive); err != nil {
			return request, err
		}
	}
	return request, nil
}

func (r concatRequest) names() []string {
	switch {
	case len(r.Files) > 0:
		return r.Files
	case len(r.Globs) > 0:
		return r.Globs
	default:
		return []string{r.Archive}
	}
}

func readNameList(filesystem afero.Fs, path string, nulSeparated bool) ([]string, error) {
	data, err := afero.ReadFile(filesystem, path)
	if err != nil {
		return nil, fmt.Errorf("reading file list: %w", err)
	}
	return splitNames(data, nulSeparated), nil
}

func splitNames(data []byte, nulSeparated bool) []string {
	if nulSeparated {
		return control.SplitList(data, 0)
	}
	return control.SplitList(data, '\n')
}

func absolutePaths(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	absolute := make([]string, len(paths))
	for i, path := range paths {
		resolved, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		absolute[i] = resolved
	}
	return absolute, nil
}

// reportMissing writes one line per file that does not exist and
// returns how many there were.
func reportMissing(filesystem afero.Fs, files []string, stderr io.Writer) int {
	missing := 0
	for _, file := range files {
		if _, err := filesystem.Stat(file); errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(stderr, "%s: No such file or directory\n", file)
			missing++
		}
	}
	return missing
}
