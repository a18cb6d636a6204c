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

package retry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffExhaustsBudget(t *testing.T) {
	bo := NewBackoffer(context.Background(), 50)
	var lastErr error
	for i := 0; i < 100; i++ {
		if err := bo.Backoff(BoRegionMiss, assert.AnError); err != nil {
			lastErr = err
			break
		}
	}
	require.Error(t, lastErr)
	assert.LessOrEqual(t, bo.totalSlept, bo.maxSleep)
}

func TestBackoffWithMaxSleepHonorsExplicitDuration(t *testing.T) {
	bo := NewBackoffer(context.Background(), 10000)
	err := bo.BackoffWithMaxSleep(BoTxnLockFast, 5, assert.AnError)
	require.NoError(t, err)
	assert.Equal(t, 5, bo.totalSlept)
}

func TestBackoffRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bo := NewBackoffer(ctx, 10000)
	err := bo.Backoff(BoTiKVRPC, assert.AnError)
	assert.Error(t, err)
}

func TestForkStartsWithFreshBudgetBookkeeping(t *testing.T) {
	parent := NewBackoffer(context.Background(), 1000)
	require.NoError(t, parent.Backoff(BoPDRPC, assert.AnError))
	require.NotZero(t, parent.totalSlept)

	child, cancel := parent.Fork()
	defer cancel()
	assert.Zero(t, child.totalSlept)
	assert.NotEqual(t, parent.ctx, child.ctx)
}

func TestErrorsNumCountsAbsorbedErrors(t *testing.T) {
	bo := NewBackoffer(context.Background(), 10000)
	assert.Equal(t, 0, bo.ErrorsNum())
	require.NoError(t, bo.Backoff(BoRegionMiss, assert.AnError))
	assert.Equal(t, 1, bo.ErrorsNum())
}
