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

// Package util holds small cross-cutting helpers: failpoint injection and
// the per-request execution-detail bag threaded through contexts.
package util

import (
	"github.com/pingcap/failpoint"
)

type contextKeyType int

// ExecDetailsKey is the context key under which *ExecDetails is stored,
// matching the teacher's stats-collection convention.
const ExecDetailsKey contextKeyType = 0

// ExecDetails accumulates per-operation timing breakdowns (time spent
// waiting on KV RPCs, resolving locks, backing off) for callers that want
// to report them.
type ExecDetails struct {
	WaitKVRespDuration int64
	ResolveLockTime    int64
	BackoffDuration    int64
}

// EvalFailpoint evaluates a named failpoint if the pingcap/failpoint
// runtime has one enabled for it. No code or test in this module calls it.
func EvalFailpoint(name string) (interface{}, error) {
	return failpoint.Eval(failpoint.Label(name))
}
