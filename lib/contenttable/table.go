// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package contenttable maps specification digests to composite
// streams.
//
// Entries are created by the first commit of a digest and refreshed by
// every later commit of the same digest; they are never removed. The
// table guarantees that a digest is resolved at most once while it is
// absent, even when several writers commit it concurrently: the
// commits share one build through a singleflight group keyed by the
// digest. Source resolution runs outside the table lock, so a slow
// glob or archive never stalls commits of unrelated digests.
package contenttable

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/concatfs/lib/clock"
	"github.com/bureau-foundation/concatfs/lib/composite"
	"github.com/bureau-foundation/concatfs/lib/digest"
	"github.com/bureau-foundation/concatfs/lib/source"
	"golang.org/x/sync/singleflight"
)

// Resolve produces the current member list of an entry. It is called
// once to build the entry and again on every refresh.
type Resolve func() ([]source.ByteSource, error)

// Entry is one virtual file: a composite stream named by the digest of
// the specification that produced it.
type Entry struct {
	digest   digest.Digest
	name     string
	stream   *composite.Stream
	resolve  Resolve
	created  time.Time
	modified atomic.Pointer[time.Time]
}

func newEntry(d digest.Digest, sources []source.ByteSource, resolve Resolve, now time.Time) *Entry {
	entry := &Entry{
		digest:  d,
		name:    d.String(),
		stream:  composite.New(sources),
		resolve: resolve,
		created: now,
	}
	entry.modified.Store(&now)
	return entry
}

// Digest returns the digest the entry is keyed by.
func (e *Entry) Digest() digest.Digest { return e.digest }

// Name returns the virtual file name: the lower-case hex digest.
func (e *Entry) Name() string { return e.name }

// Stream returns the entry's composite stream. The same stream is
// returned for the life of the entry; refreshes replace its members.
func (e *Entry) Stream() *composite.Stream { return e.stream }

// Size returns the current total size of the composite.
func (e *Entry) Size() int64 { return e.stream.Size() }

// Created returns when the entry was first built.
func (e *Entry) Created() time.Time { return e.created }

// Modified returns when the entry's member list was last replaced.
func (e *Entry) Modified() time.Time { return *e.modified.Load() }

func (e *Entry) replace(sources []source.ByteSource, now time.Time) {
	e.stream.Replace(sources)
	e.modified.Store(&now)
}

// Options configures a Table.
type Options struct {
	// Directory labels the table's log messages and metrics.
	Directory string

	// Clock stamps entry creation and refresh times. Nil means the
	// real clock.
	Clock clock.Clock

	// Logger receives diagnostic messages. If nil, only errors are
	// logged, to stderr. The table does not tag records with
	// Directory; callers pass a logger already scoped to it.
	Logger *slog.Logger
}

// Table is a digest-keyed set of entries. Safe for concurrent use.
type Table struct {
	directory string
	clock     clock.Clock
	logger    *slog.Logger

	flights singleflight.Group

	mu      sync.Mutex
	entries map[digest.Digest]*Entry
	names   map[string]*Entry
}

// New returns an empty table.
func New(options Options) *Table {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}
	registerCollectors()
	entryGauge.WithLabelValues(options.Directory).Set(0)
	return &Table{
		directory: options.Directory,
		clock:     options.Clock,
		logger:    options.Logger,
		entries:   make(map[digest.Digest]*Entry),
		names:     make(map[string]*Entry),
	}
}

// Lookup returns the entry for d, if present.
func (t *Table) Lookup(d digest.Digest) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[d]
	return entry, ok
}

// LookupName returns the entry whose virtual file name is name.
func (t *Table) LookupName(name string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.names[name]
	return entry, ok
}

// Commit makes d present in the table. If d is absent, resolve is
// called to build it and created is true. If d is already present (or
// becomes present while this call waits on a concurrent build of the
// same digest), the existing entry is returned; when this call did not
// share in its build, the entry is refreshed first. Of the calls that
// share one build, only the one that ran it reports created.
//
// A failed build leaves the table unchanged. A failed refresh leaves
// the entry's previous member list in place.
func (t *Table) Commit(d digest.Digest, resolve Resolve) (entry *Entry, created bool, err error) {
	if existing, ok := t.Lookup(d); ok {
		return existing, false, t.Refresh(existing)
	}

	type result struct {
		entry   *Entry
		created bool
	}
	// Set only in the goroutine that runs the flight.
	var led bool
	value, err, _ := t.flights.Do(d.String(), func() (any, error) {
		led = true
		// The previous flight for d may have finished between the
		// lookup above and joining this one.
		if existing, ok := t.Lookup(d); ok {
			return result{entry: existing}, t.Refresh(existing)
		}

		sources, err := resolve()
		if err != nil {
			commitCounter.WithLabelValues(t.directory, outcomeFailed).Inc()
			t.logger.Warn("building entry failed", "digest", d.String(), "error", err)
			return nil, fmt.Errorf("building %s: %w", d, err)
		}

		built := newEntry(d, sources, resolve, t.clock.Now())
		t.mu.Lock()
		t.entries[d] = built
		t.names[built.name] = built
		count := len(t.entries)
		t.mu.Unlock()

		commitCounter.WithLabelValues(t.directory, outcomeCreated).Inc()
		entryGauge.WithLabelValues(t.directory).Set(float64(count))
		t.logger.Debug("entry created", "digest", d.String(), "members", len(sources), "size", built.Size())
		return result{entry: built, created: true}, nil
	})
	if value == nil {
		return nil, false, err
	}
	outcome := value.(result)
	return outcome.entry, outcome.created && led, err
}

// Refresh re-runs the entry's resolve function and replaces its member
// list. Readers observe either the old list or the new one.
func (t *Table) Refresh(entry *Entry) error {
	sources, err := entry.resolve()
	if err != nil {
		commitCounter.WithLabelValues(t.directory, outcomeFailed).Inc()
		t.logger.Warn("refreshing entry failed", "digest", entry.name, "error", err)
		return fmt.Errorf("refreshing %s: %w", entry.name, err)
	}
	entry.replace(sources, t.clock.Now())
	commitCounter.WithLabelValues(t.directory, outcomeRefreshed).Inc()
	t.logger.Debug("entry refreshed", "digest", entry.name, "members", len(sources), "size", entry.Size())
	return nil
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Entries returns every entry, sorted by name.
func (t *Table) Entries() []*Entry {
	t.mu.Lock()
	entries := make([]*Entry, 0, len(t.entries))
	for _, entry := range t.entries {
		entries = append(entries, entry)
	}
	t.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].name < entries[j].name
	})
	return entries
}
