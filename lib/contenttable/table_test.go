// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package contenttable

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/concatfs/lib/clock"
	"github.com/bureau-foundation/concatfs/lib/digest"
	"github.com/bureau-foundation/concatfs/lib/source"
)

var testDigests = digest.MustNewFunction(digest.BLAKE3)

func constantResolve(contents ...string) Resolve {
	return func() ([]source.ByteSource, error) {
		sources := make([]source.ByteSource, len(contents))
		for i, content := range contents {
			sources[i] = source.NewBytes([]byte(content))
		}
		return sources, nil
	}
}

func readEntry(t *testing.T, entry *Entry) string {
	t.Helper()
	data, err := source.ReadAll(entry.Stream())
	if err != nil {
		t.Fatalf("reading entry %s: %v", entry.Name(), err)
	}
	return string(data)
}

func TestCommitCreatesEntry(t *testing.T) {
	table := New(Options{Directory: "test"})
	d := testDigests.Sum([]byte("a\x00b"))

	entry, created, err := table.Commit(d, constantResolve("alpha", "bravo"))
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !created {
		t.Error("first commit reported created = false")
	}
	if entry.Name() != d.String() {
		t.Errorf("Name() = %q, want %q", entry.Name(), d.String())
	}
	if got := readEntry(t, entry); got != "alphabravo" {
		t.Errorf("contents = %q, want %q", got, "alphabravo")
	}

	found, ok := table.Lookup(d)
	if !ok || found != entry {
		t.Errorf("Lookup returned (%p, %v), want (%p, true)", found, ok, entry)
	}
	byName, ok := table.LookupName(d.String())
	if !ok || byName != entry {
		t.Errorf("LookupName returned (%p, %v), want (%p, true)", byName, ok, entry)
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	table := New(Options{Directory: "test"})
	d := testDigests.Sum([]byte("specification"))

	first, _, err := table.Commit(d, constantResolve("x"))
	if err != nil {
		t.Fatalf("first Commit: %v", err)
	}
	second, created, err := table.Commit(d, constantResolve("x"))
	if err != nil {
		t.Fatalf("second Commit: %v", err)
	}
	if created {
		t.Error("second commit reported created = true")
	}
	if first != second {
		t.Error("second commit returned a different entry")
	}
	if table.Len() != 1 {
		t.Errorf("Len() = %d, want 1", table.Len())
	}
}

func TestCommitRefreshesExistingEntry(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	table := New(Options{Directory: "test", Clock: fake})
	d := testDigests.Sum([]byte("logs/*.log"))

	var generation atomic.Int32
	resolve := func() ([]source.ByteSource, error) {
		if generation.Add(1) == 1 {
			return []source.ByteSource{source.NewBytes([]byte("one"))}, nil
		}
		return []source.ByteSource{source.NewBytes([]byte("one")), source.NewBytes([]byte("two"))}, nil
	}

	entry, _, err := table.Commit(d, resolve)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	created := entry.Created()

	fake.Advance(time.Minute)
	// The stored resolve function is used for the refresh, not the
	// one passed to the second commit.
	if _, _, err := table.Commit(d, constantResolve("ignored")); err != nil {
		t.Fatalf("refreshing Commit: %v", err)
	}

	if got := readEntry(t, entry); got != "onetwo" {
		t.Errorf("contents after refresh = %q, want %q", got, "onetwo")
	}
	if !entry.Created().Equal(created) {
		t.Errorf("Created() changed from %v to %v", created, entry.Created())
	}
	if want := created.Add(time.Minute); !entry.Modified().Equal(want) {
		t.Errorf("Modified() = %v, want %v", entry.Modified(), want)
	}
}

func TestFailedCommitLeavesTableUnchanged(t *testing.T) {
	table := New(Options{Directory: "test"})
	d := testDigests.Sum([]byte("broken"))
	failure := errors.New("archive is corrupt")

	_, _, err := table.Commit(d, func() ([]source.ByteSource, error) {
		return nil, failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("Commit error = %v, want %v", err, failure)
	}
	if table.Len() != 0 {
		t.Errorf("Len() = %d after failed commit, want 0", table.Len())
	}
	if _, ok := table.Lookup(d); ok {
		t.Error("failed digest is present in the table")
	}

	// A later commit of the same digest can still succeed.
	if _, created, err := table.Commit(d, constantResolve("fixed")); err != nil || !created {
		t.Fatalf("retry Commit = (created %v, err %v), want (true, nil)", created, err)
	}
}

func TestFailedRefreshKeepsMembers(t *testing.T) {
	table := New(Options{Directory: "test"})
	d := testDigests.Sum([]byte("flaky"))

	var calls atomic.Int32
	entry, _, err := table.Commit(d, func() ([]source.ByteSource, error) {
		if calls.Add(1) > 1 {
			return nil, errors.New("glob directory vanished")
		}
		return []source.ByteSource{source.NewBytes([]byte("stable"))}, nil
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := table.Refresh(entry); err == nil {
		t.Fatal("Refresh succeeded, want error")
	}
	if got := readEntry(t, entry); got != "stable" {
		t.Errorf("contents after failed refresh = %q, want %q", got, "stable")
	}
}

func TestConcurrentCommitsShareOneBuild(t *testing.T) {
	table := New(Options{Directory: "test"})
	d := testDigests.Sum([]byte("shared"))

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	resolve := func() ([]source.ByteSource, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return []source.ByteSource{source.NewBytes([]byte("built"))}, nil
	}

	const committers = 16
	type result struct {
		entry   *Entry
		created bool
		err     error
	}
	results := make([]result, committers)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		entry, created, err := table.Commit(d, resolve)
		results[0] = result{entry, created, err}
	}()
	<-entered

	for i := 1; i < committers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, created, err := table.Commit(d, resolve)
			results[i] = result{entry, created, err}
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	// Every commit either shared the single build or, arriving after
	// it finished, refreshed the entry it produced. Only the commit
	// that ran the build reports created.
	createdCount := 0
	for i, r := range results {
		if r.err != nil {
			t.Fatalf("commit %d: %v", i, r.err)
		}
		if r.entry != results[0].entry {
			t.Errorf("commit %d returned a different entry", i)
		}
		if r.created {
			createdCount++
		}
	}
	if !results[0].created {
		t.Error("the commit that ran the build reported created = false")
	}
	if createdCount != 1 {
		t.Errorf("%d commits reported created, want exactly 1", createdCount)
	}
	if got := int(calls.Load()); got < 1 || got > committers {
		t.Errorf("resolve called %d times, want between 1 and %d", got, committers)
	}
	if table.Len() != 1 {
		t.Errorf("Len() = %d, want 1", table.Len())
	}
}

func TestCollidingSpecificationsFold(t *testing.T) {
	table := New(Options{Directory: "test"})
	// Two different specifications that hash to the same digest.
	collision := testDigests.Sum([]byte("whatever"))

	first, created, err := table.Commit(collision, constantResolve("first"))
	if err != nil || !created {
		t.Fatalf("first Commit = (created %v, err %v)", created, err)
	}
	second, created, err := table.Commit(collision, constantResolve("second"))
	if err != nil {
		t.Fatalf("second Commit: %v", err)
	}
	if created || second != first {
		t.Error("colliding commit did not fold into the existing entry")
	}
	if got := readEntry(t, first); got != "first" {
		t.Errorf("contents = %q, want %q", got, "first")
	}
}

func TestEntriesSortedByName(t *testing.T) {
	table := New(Options{Directory: "test"})
	for _, specification := range []string{"c", "a", "b", "d"} {
		if _, _, err := table.Commit(testDigests.Sum([]byte(specification)), constantResolve(specification)); err != nil {
			t.Fatalf("Commit(%q): %v", specification, err)
		}
	}

	entries := table.Entries()
	if len(entries) != 4 {
		t.Fatalf("Entries() returned %d entries, want 4", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Name() >= entries[i].Name() {
			t.Errorf("entries out of order: %s before %s", entries[i-1].Name(), entries[i].Name())
		}
	}
}
