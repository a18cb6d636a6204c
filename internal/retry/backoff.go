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

// Package retry implements the explicit bounded retry loops the
// specification calls for (design note: "Retry loops: express as explicit
// bounded loops with a retry-counter, not as coroutine stacks or
// exception-for-control-flow").
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/kvtxn/coordinator/internal/logutil"
	"go.uber.org/zap"
)

// Config names one retry point and what error kinds re-enter its loop, per
// the design note requiring every retry point to document that.
type Config struct {
	name       string
	maxSleepMs int
	fixedMs    int // 0 means use jittered backoff growth instead of a fixed delay
}

// Named backoff configs. Each documents, in its comment, the error kinds
// that re-enter the loop it guards.
var (
	// BoRegionMiss backs off after a region routing error (epoch mismatch,
	// not-leader, region not found) forces a routing-cache refresh + retry.
	BoRegionMiss = &Config{name: "regionMiss", maxSleepMs: 20000}
	// BoTxnLock backs off while waiting out another transaction's lock
	// TTL before retrying the operation that hit LockConflict.
	BoTxnLock = &Config{name: "txnLock", maxSleepMs: 20000}
	// BoTxnLockFast is used for operations that retry lock conflicts
	// aggressively (single-key Get), per §4.7's "bounded backoff" retries.
	BoTxnLockFast = &Config{name: "txnLockFast", maxSleepMs: 10000}
	// BoTiKVRPC backs off after a transport error (connection refused,
	// timeout) before the dispatcher retries against the same region.
	BoTiKVRPC = &Config{name: "tikvRPC", maxSleepMs: 20000}
	// BoPDRPC backs off after a time-oracle / PD RPC failure.
	BoPDRPC = &Config{name: "pdRPC", maxSleepMs: 20000}
)

// Backoffer tracks retry state (elapsed sleep, per-config attempt counts)
// across one logical operation, the way the teacher's Backoffer does —
// it is NOT shared across sub-tasks, each parallel sub-task owns its own.
type Backoffer struct {
	ctx context.Context

	maxSleep  int
	totalSlept int
	attempts   map[string]int

	errors []error
}

// NewBackoffer creates a Backoffer whose total sleep time across all retry
// points is capped at maxSleepMs milliseconds.
func NewBackoffer(ctx context.Context, maxSleepMs int) *Backoffer {
	return &Backoffer{ctx: ctx, maxSleep: maxSleepMs, attempts: make(map[string]int)}
}

// GetCtx returns the context carried by this Backoffer.
func (b *Backoffer) GetCtx() context.Context { return b.ctx }

// SetCtx replaces the context, e.g. to attach a child tracing span.
func (b *Backoffer) SetCtx(ctx context.Context) { b.ctx = ctx }

// Fork returns a child Backoffer with the same total sleep budget, fresh
// budget bookkeeping (nothing slept, no attempts recorded) and an
// independent context, used when a sub-task needs its own cancellation.
func (b *Backoffer) Fork() (*Backoffer, context.CancelFunc) {
	ctx, cancel := context.WithCancel(b.ctx)
	return &Backoffer{ctx: ctx, maxSleep: b.maxSleep, attempts: make(map[string]int)}, cancel
}

// Backoff sleeps according to cfg's growth curve and records err as the
// reason. It returns a non-nil error once the backoffer's total sleep
// budget is exhausted; the number of attempts per config is not capped.
func (b *Backoffer) Backoff(cfg *Config, err error) error {
	return b.BackoffWithCfgAndMaxSleep(cfg, -1, err)
}

// BackoffWithMaxSleep is like Backoff but overrides the sleep duration for
// this single attempt (used when the server told us exactly how long a
// lock has left on its TTL).
func (b *Backoffer) BackoffWithMaxSleep(cfg *Config, maxSleepMs int, err error) error {
	return b.BackoffWithCfgAndMaxSleep(cfg, maxSleepMs, err)
}

// BackoffWithCfgAndMaxSleep is the full form: maxSleepMs<0 means "use cfg's
// own jittered growth curve", maxSleepMs>=0 means "sleep exactly this long
// once" (e.g. a lock's reported msBeforeExpired).
func (b *Backoffer) BackoffWithCfgAndMaxSleep(cfg *Config, maxSleepMs int, err error) error {
	if err != nil {
		b.errors = append(b.errors, err)
	}
	b.attempts[cfg.name]++

	if b.totalSlept >= b.maxSleep {
		return errors.Wrapf(err, "backoff exceeded max sleep %dms after %d attempts on %q", b.maxSleep, b.attempts[cfg.name], cfg.name)
	}

	sleep := maxSleepMs
	if sleep < 0 {
		sleep = jitteredSleepMs(cfg, b.attempts[cfg.name])
	}
	if b.totalSlept+sleep > b.maxSleep {
		sleep = b.maxSleep - b.totalSlept
	}
	if sleep <= 0 {
		return errors.Wrapf(err, "backoff budget exhausted on %q", cfg.name)
	}

	logutil.Logger(b.ctx).Debug("backoff sleep", zap.String("type", cfg.name), zap.Int("sleepMs", sleep), zap.Error(err))
	select {
	case <-time.After(time.Duration(sleep) * time.Millisecond):
	case <-b.ctx.Done():
		return errors.WithStack(b.ctx.Err())
	}
	b.totalSlept += sleep
	return nil
}

func jitteredSleepMs(cfg *Config, attempt int) int {
	if cfg.fixedMs > 0 {
		return cfg.fixedMs
	}
	base := 100 << uint(attempt-1)
	if base > cfg.maxSleepMs {
		base = cfg.maxSleepMs
	}
	jitter := rand.Intn(base/2 + 1)
	return base/2 + jitter
}

// ErrorsNum reports how many errors this Backoffer has absorbed, for
// diagnostics attached to a final failure.
func (b *Backoffer) ErrorsNum() int { return len(b.errors) }

// WithSpan wraps ctx with a child span for a retrying operation, mirroring
// the opentracing plumbing the teacher threads through Backoffer-based
// calls.
func WithSpan(ctx context.Context, name string) (context.Context, func()) {
	if span := opentracing.SpanFromContext(ctx); span != nil && span.Tracer() != nil {
		child := span.Tracer().StartSpan(name, opentracing.ChildOf(span.Context()))
		return opentracing.ContextWithSpan(ctx, child), child.Finish
	}
	return ctx, func() {}
}
