// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Content table entries record when they were created and last
// refreshed; the client polls for a freshly started mount. Both take a
// Clock instead of calling the time package so tests control time:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	table := contenttable.New(contenttable.Options{Clock: c})
//	c.Advance(time.Minute)
package clock
