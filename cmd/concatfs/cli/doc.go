// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command tree behind the concatfs binary.
//
// A [Command] has either a Run function or Subcommands. Flags are
// pflag sets, usually built from a tagged params struct with
// [FlagsFromParams]. Unknown commands and flags get an edit-distance
// suggestion. Commands return errors to main, which prints them;
// [ExitError] carries a non-default exit code without a message.
package cli
