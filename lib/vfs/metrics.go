// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerMetrics sync.Once

	readBytesCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "concatfs",
			Name:      "read_bytes_total",
			Help:      "Bytes served from composite files.",
		},
		[]string{"directory"})

	readErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "concatfs",
			Name:      "read_errors_total",
			Help:      "Reads from composite files that failed.",
		},
		[]string{"directory"})
)

func registerCollectors() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(readBytesCounter)
		prometheus.MustRegister(readErrorCounter)
	})
}
