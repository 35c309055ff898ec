// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package composite presents an ordered list of byte sources as one
// contiguous, randomly readable stream.
//
// A [Stream] keeps its members in an immutable table of cumulative
// start offsets. Reads at arbitrary offsets binary-search the table for
// the first member that contains the offset, then walk forward across
// member boundaries until the destination is filled. [Stream.Replace]
// swaps in a freshly built table with a single atomic store: a read
// loads the table once and uses it throughout, so it sees either the
// old member list or the new one and never a partially updated list.
package composite

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync/atomic"

	"github.com/bureau-foundation/concatfs/lib/source"
)

// ErrShortRead reports that a member returned fewer bytes than its
// declared size promised. The bytes read before the short member are
// still returned; they are never padded.
var ErrShortRead = errors.New("short read from member source")

// member is one source and the offset, within the stream, of its
// first byte.
type member struct {
	start  int64
	source source.ByteSource
}

// table is an immutable snapshot of a stream's members. Zero-length
// members are kept (they count toward the member list) but are never
// selected by findMember.
type table struct {
	members []member
	size    int64
}

func newTable(sources []source.ByteSource) *table {
	members := make([]member, len(sources))
	var cumulative int64
	for i, s := range sources {
		members[i] = member{start: cumulative, source: s}
		cumulative += s.Size()
	}
	return &table{members: members, size: cumulative}
}

// width is the size member i had when the table was built. A member
// that changes size afterwards (a nested stream that was replaced)
// keeps this width until the table itself is replaced.
func (t *table) width(i int) int64 {
	if i+1 < len(t.members) {
		return t.members[i+1].start - t.members[i].start
	}
	return t.size - t.members[i].start
}

// findMember returns the index of the non-empty member containing
// offset, or -1 if offset is outside [0, size).
func (t *table) findMember(offset int64) int {
	if offset < 0 || offset >= t.size {
		return -1
	}
	// Last member whose start <= offset. Among members sharing a
	// start (zero-length ones followed by a non-empty one), this picks
	// the last, which is the one that actually holds the byte.
	index := sort.Search(len(t.members), func(i int) bool {
		return t.members[i].start > offset
	}) - 1
	if index < 0 {
		return -1
	}
	return index
}

// Stream is a concatenation of byte sources. It is itself a
// source.ByteSource, so streams nest. Safe for concurrent use.
type Stream struct {
	current atomic.Pointer[table]
}

var _ source.ByteSource = (*Stream)(nil)

// New returns a stream over sources, in order. The stream takes
// ownership of the slice's elements; the slice itself is not retained.
func New(sources []source.ByteSource) *Stream {
	stream := &Stream{}
	stream.current.Store(newTable(sources))
	return stream
}

// Size returns the total size of the current member list.
func (s *Stream) Size() int64 {
	return s.current.Load().size
}

// Len returns the number of members, including empty ones.
func (s *Stream) Len() int {
	return len(s.current.Load().members)
}

// Replace atomically swaps the member list. Reads already in flight
// finish against the list they started with.
func (s *Stream) Replace(sources []source.ByteSource) {
	s.current.Store(newTable(sources))
}

// ReadAt fills dest from offset. It returns fewer bytes than
// len(dest) only at the end of the stream (with io.EOF) or when a
// member comes up short (with an error wrapping ErrShortRead, or the
// member's own error).
func (s *Stream) ReadAt(dest []byte, offset int64) (int, error) {
	return s.current.Load().readAt(dest, offset)
}

func (t *table) readAt(dest []byte, offset int64) (int, error) {
	if offset >= t.size {
		return 0, io.EOF
	}
	if offset < 0 {
		return 0, fmt.Errorf("negative offset %d", offset)
	}

	index := t.findMember(offset)
	var totalRead int
	for totalRead < len(dest) && index < len(t.members) {
		current := t.members[index]
		currentOffset := offset + int64(totalRead)
		memberOffset := currentOffset - current.start
		memberRemaining := t.width(index) - memberOffset
		if memberRemaining <= 0 {
			index++
			continue
		}

		want := dest[totalRead:]
		if int64(len(want)) > memberRemaining {
			want = want[:memberRemaining]
		}

		n, err := current.source.ReadAt(want, memberOffset)
		totalRead += n
		if n < len(want) {
			if err != nil && err != io.EOF {
				return totalRead, fmt.Errorf("member %d at offset %d: %w", index, memberOffset, err)
			}
			return totalRead, fmt.Errorf("member %d: got %d of %d bytes at offset %d: %w",
				index, n, len(want), memberOffset, ErrShortRead)
		}
		index++
	}

	if totalRead < len(dest) {
		return totalRead, io.EOF
	}
	return totalRead, nil
}
