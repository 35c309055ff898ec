// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package contenttable

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeCreated   = "created"
	outcomeRefreshed = "refreshed"
	outcomeFailed    = "failed"
)

var (
	registerMetrics sync.Once

	commitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "concatfs",
			Name:      "commits_total",
			Help:      "Number of entry builds and refreshes, by outcome.",
		},
		[]string{"directory", "outcome"})

	entryGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "concatfs",
			Name:      "entries",
			Help:      "Number of entries in the content table.",
		},
		[]string{"directory"})
)

func registerCollectors() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(commitCounter)
		prometheus.MustRegister(entryGauge)
	})
}
