// Copyright 2021 TiKV Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics declares the coordinator's prometheus instrumentation.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Namespace/subsystem used for every metric below.
const (
	namespace = "kvtxn"
	subsystem = "client"
)

var (
	// TiKVSendReqHistogram observes per-RPC-type/store send latency, the
	// dispatcher's equivalent of the teacher's client.go histogram.
	TiKVSendReqHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "request_seconds",
			Help:    "RPC send latency by command and store.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 18),
		}, []string{"type", "store"})

	// TiKVGRPCConnTransientFailureCounter counts transient gRPC connection
	// failures, surfaced per store so operators can spot a bad shard.
	TiKVGRPCConnTransientFailureCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "grpc_transient_failures_total",
			Help: "Count of gRPC connections observed in TransientFailure state.",
		}, []string{"store"})

	// TxnRegionsNumHistogramPrewrite observes how many regions a single
	// PreCommit fanned out across (C8 step 5's per-region grouping).
	TxnRegionsNumHistogramPrewrite = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "prewrite_regions",
			Help:    "Number of regions touched by a single prewrite.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		})

	// TxnRegionsNumHistogramCommit observes how many regions a single
	// Commit fanned out across.
	TxnRegionsNumHistogramCommit = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "commit_regions",
			Help:    "Number of regions touched by a single commit.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		})

	// OnePCTxnCounterFallback counts prewrites that asked for one-phase
	// commit but had to fall back to ordinary 2PC.
	OnePCTxnCounterFallback = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "one_pc_fallback_total",
			Help: "Count of one-phase-commit attempts that fell back to 2PC.",
		})

	// OnePCTxnCounterOk counts successful one-phase commits.
	OnePCTxnCounterOk = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "one_pc_ok_total",
			Help: "Count of transactions committed via the one-phase-commit fast path.",
		})

	// LockResolverCountWithResolve counts successful lock resolutions by
	// outcome (rollForward/rollback).
	LockResolverCountWithResolve = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "lock_resolver_actions_total",
			Help: "Count of lock resolver outcomes by action.",
		}, []string{"action"})

	// TxnCommitBackoffSeconds observes time spent backing off across the
	// whole commit protocol of a transaction.
	TxnCommitBackoffSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "commit_backoff_seconds",
			Help:    "Total backoff time spent by a transaction's commit path.",
			Buckets: prometheus.DefBuckets,
		})
)

func init() {
	prometheus.MustRegister(
		TiKVSendReqHistogram,
		TiKVGRPCConnTransientFailureCounter,
		TxnRegionsNumHistogramPrewrite,
		TxnRegionsNumHistogramCommit,
		OnePCTxnCounterFallback,
		OnePCTxnCounterOk,
		LockResolverCountWithResolve,
		TxnCommitBackoffSeconds,
	)
}
