// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"bytes"
	"fmt"
)

// Mode selects how a committed specification is interpreted.
type Mode int

const (
	// ModeList treats the specification as a separator-delimited list
	// of file paths.
	ModeList Mode = iota + 1

	// ModeGlob treats the specification as a separator-delimited list
	// of glob patterns.
	ModeGlob

	// ModeArchive treats the specification as an archive image, or as
	// the path of an archive.
	ModeArchive
)

func (m Mode) String() string {
	switch m {
	case ModeList:
		return "list"
	case ModeGlob:
		return "glob"
	case ModeArchive:
		return "archive"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode returns the mode named by s.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "list":
		return ModeList, nil
	case "glob":
		return ModeGlob, nil
	case "archive":
		return ModeArchive, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (expected list, glob, or archive)", s)
	}
}

// SplitList splits a list specification on separator, dropping empty
// elements. A trailing separator is therefore harmless.
func SplitList(specification []byte, separator byte) []string {
	var elements []string
	for _, field := range bytes.Split(specification, []byte{separator}) {
		if len(field) == 0 {
			continue
		}
		elements = append(elements, string(field))
	}
	return elements
}
