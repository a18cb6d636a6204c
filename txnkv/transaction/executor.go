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

package transaction

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// defaultParallelism bounds how many shard-scoped sub-tasks run at once
// per fan-out; large batch_get/prewrite/commit calls queue behind it
// rather than opening one goroutine per region.
const defaultParallelism = 32

// worker produces a Status for one sub-task, writing nothing outside its
// own result slot (§4.5/§9: "result-slot independence").
type worker func(ctx context.Context) error

// executeParallel runs n independent workers with bounded concurrency and
// joins their results, preserving input order so callers can correlate a
// result back to its sub-task by index (§4.5). A panic in one worker is
// recovered and turned into that worker's error, never propagated to
// sibling workers or the caller's goroutine (§4.5/§9 panic isolation).
//
// This is C6, the Parallel Executor, built directly on
// golang.org/x/sync/errgroup with a semaphore bounding concurrency —
// errgroup keeps only the first error at the group level, but the
// coordinator needs every sub-task's own outcome (to
// decide per-sub-task retry eligibility for LockConflict), so results are
// captured into a pre-sized slice rather than relying on errgroup's single
// aggregate error.
func executeParallel(ctx context.Context, n int, fn worker) []error {
	results := make([]error, n)
	if n == 0 {
		return results
	}

	sem := make(chan struct{}, minInt(n, defaultParallelism))
	g, gctx := errgroup.WithContext(ctx)
	// Use the parent ctx for each worker, not gctx, so one sub-task's
	// failure does not cancel its siblings — §4.5 requires independence,
	// and §5 says a caller abandoning a fan-out cannot revoke in-flight
	// sub-tasks anyway.
	_ = gctx

	for i := 0; i < n; i++ {
		i := i
		sem <- struct{}{}
		g.Go(func() (err error) {
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("sub-task %d panicked: %v", i, r)
				}
				results[i] = err
			}()
			return fn(ctx)
		})
	}
	_ = g.Wait() // per-slot errors already captured in results; aggregate error is redundant here
	return results
}

// indexedWorker produces a Status for sub-task i, looking up whatever
// per-task state it needs (a region batch, a key) by index itself.
type indexedWorker func(i int) error

// executeParallelIndexed is executeParallel's counterpart for fan-outs
// where each sub-task needs its own distinct input rather than a shared
// closure — the prewrite/commit/rollback dispatch across regions.
func executeParallelIndexed(ctx context.Context, n int, fn indexedWorker) []error {
	results := make([]error, n)
	if n == 0 {
		return results
	}

	sem := make(chan struct{}, minInt(n, defaultParallelism))
	g, _ := errgroup.WithContext(ctx)

	for i := 0; i < n; i++ {
		i := i
		sem <- struct{}{}
		g.Go(func() (err error) {
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("sub-task %d panicked: %v", i, r)
				}
				results[i] = err
			}()
			return fn(i)
		})
	}
	_ = g.Wait()
	return results
}

// firstError returns the first non-nil error in results, in index order,
// matching §4.7/§7's "first failing sub-task determines the transaction's
// failure" rule.
func firstError(results []error) error {
	for _, err := range results {
		if err != nil {
			return err
		}
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
