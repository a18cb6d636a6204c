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

// NOTE: The code in this file is based on code from the TiKV client-go
// project's txnkv/transaction/prewrite.go, adapted from the committer's
// batched two-phase-commit-action machinery down to the single PreCommit
// step C8's specification describes: lock every buffered key at start_ts,
// with the primary first and secondaries fanned out afterwards.

package transaction

import (
	"context"

	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pkg/errors"

	tikverr "github.com/kvtxn/coordinator/error"
	"github.com/kvtxn/coordinator/internal/client"
	"github.com/kvtxn/coordinator/internal/retry"
	"github.com/kvtxn/coordinator/metrics"
	"github.com/kvtxn/coordinator/tikvrpc"
	"github.com/kvtxn/coordinator/txnkv/txnlock"
)

// prewriteResult is what prewriteBatch reports back for one shard's worth
// of mutations.
type prewriteResult struct {
	oneShardOnePC bool   // true if this region reported it committed itself via TryOnePc
	onePcCommitTS uint64 // meaningful only if oneShardOnePC
}

// prewriteBatch sends one Prewrite RPC for a single region's mutations,
// resolving any lock conflict it hits and retrying against the
// (possibly-refreshed) region until it succeeds or the backoffer's budget
// is exhausted (§4.4 "retry with a fresh region lookup").
func (c *committer) prewriteBatch(bo *retry.Backoffer, batch *regionBatch, tryOnePC bool) (prewriteResult, error) {
	muts := make([]*kvrpcpb.Mutation, 0, len(batch.mutations))
	for _, e := range batch.mutations {
		muts = append(muts, toMutationProto(e))
	}

	for {
		req := tikvrpc.NewRequest(tikvrpc.CmdPrewrite, &kvrpcpb.PrewriteRequest{
			Mutations:    muts,
			PrimaryLock:  c.primary,
			StartVersion: c.startTS,
			LockTtl:      c.lockTTL,
			TxnSize:      uint64(len(batch.mutations)),
			MinCommitTs:  c.startTS + 1,
			TryOnePc:     tryOnePC,
		}, kvrpcpb.Context{})
		req.SetContext(batch.region.VerID.Id, batch.region.Epoch(), batch.region.Leader)

		resp, err := c.rpcClient.SendRequest(bo.GetCtx(), batch.region.LeaderAddr, req, client.ReadTimeoutShort)
		if err != nil {
			if boErr := bo.Backoff(retry.BoTiKVRPC, err); boErr != nil {
				return prewriteResult{}, boErr
			}
			continue
		}

		if regionErr, _ := resp.GetRegionError(); regionErr != nil {
			if err := c.regionCache.OnRegionEpochNotMatch(bo, batch.region.VerID, nil); err != nil {
				return prewriteResult{}, err
			}
			if boErr := bo.Backoff(retry.BoRegionMiss, errors.Errorf("region error on prewrite: %s", regionErr)); boErr != nil {
				return prewriteResult{}, boErr
			}
			refreshed, err := c.regionCache.LookupRegionByKey(bo, batch.mutations[0].Key)
			if err != nil {
				return prewriteResult{}, err
			}
			batch.region = refreshed.Region
			continue
		}

		prewriteResp := resp.Resp.(*kvrpcpb.PrewriteResponse)
		if keyErrs := prewriteResp.GetErrors(); len(keyErrs) > 0 {
			locks, fatal := extractLocksOrFatal(keyErrs)
			if fatal != nil {
				return prewriteResult{}, fatal
			}
			msBeforeExpired, err := c.lockResolver.ResolveLocks(bo, c.startTS, locks)
			if err != nil {
				return prewriteResult{}, err
			}
			if msBeforeExpired > 0 {
				if boErr := bo.BackoffWithMaxSleep(retry.BoTxnLock, int(msBeforeExpired), errors.New("prewrite blocked on live lock")); boErr != nil {
					return prewriteResult{}, errors.Wrap(&tikverr.ErrLockConflict{Lock: keyErrs[0].GetLocked()}, boErr.Error())
				}
			}
			continue
		}

		if tryOnePC {
			if commitTS := prewriteResp.GetOnePcCommitTs(); commitTS > 0 {
				metrics.OnePCTxnCounterOk.Inc()
				return prewriteResult{oneShardOnePC: true, onePcCommitTS: commitTS}, nil
			}
			metrics.OnePCTxnCounterFallback.Inc()
		}
		return prewriteResult{}, nil
	}
}

// extractLocksOrFatal separates recoverable (Locked) key errors, which the
// lock resolver can act on, from ones that mean the transaction itself
// cannot proceed (AlreadyExist on a put_if_absent, a raw WriteConflict).
func extractLocksOrFatal(keyErrs []*kvrpcpb.KeyError) ([]*txnlock.Lock, error) {
	locks := make([]*txnlock.Lock, 0, len(keyErrs))
	for _, keyErr := range keyErrs {
		if locked := keyErr.GetLocked(); locked != nil {
			locks = append(locks, txnlock.NewLock(locked))
			continue
		}
		if exist := keyErr.GetAlreadyExist(); exist != nil {
			return nil, errors.WithStack(&tikverr.ErrKeyExist{Key: exist.GetKey()})
		}
		if wc := keyErr.GetConflict(); wc != nil {
			return nil, tikverr.NewErrWriteConflict(wc.GetStartTs(), wc.GetConflictTs(), wc.GetKey())
		}
		return nil, errors.Errorf("unexpected prewrite key error: %s", keyErr.String())
	}
	return locks, nil
}

// prewriteAll fans PreCommit out across every region the buffered
// mutations touch (§4.7 step 5). The primary's batch is always sent first
// and must succeed before secondaries are attempted in parallel, since a
// lock on the primary is what makes every other lock resolvable.
//
// tryOnePC requests the one-phase-commit fast path (§4.8): it only ever
// applies when every mutation lands in a single region, which the caller
// has already checked before calling this with tryOnePC=true.
func (c *committer) prewriteAll(ctx context.Context, bo *retry.Backoffer, tryOnePC bool) (uint64, error) {
	groups, err := groupByRegion(bo, c.regionCache, c.mutations)
	if err != nil {
		return 0, err
	}
	metrics.TxnRegionsNumHistogramPrewrite.Observe(float64(len(groups)))

	var primaryBatch *regionBatch
	var secondaries []*regionBatch
	for _, g := range groups {
		if containsKey(g.mutations, c.primary) {
			g.isPrimary = true
			primaryBatch = g
			continue
		}
		secondaries = append(secondaries, g)
	}
	if primaryBatch == nil {
		return 0, errors.New("primary key not present in any prewrite batch")
	}

	singleRegion := len(groups) == 1
	result, err := c.prewriteBatch(bo, primaryBatch, tryOnePC && singleRegion)
	if err != nil {
		return 0, err
	}
	if result.oneShardOnePC {
		return result.onePcCommitTS, nil
	}

	results := executeParallelIndexed(ctx, len(secondaries), func(i int) error {
		childBo, cancel := bo.Fork()
		defer cancel()
		_, err := c.prewriteBatch(childBo, secondaries[i], false)
		return err
	})
	if err := firstError(results); err != nil {
		return 0, err
	}
	return 0, nil
}

func containsKey(entries []Entry, key []byte) bool {
	for _, e := range entries {
		if string(e.Key) == string(key) {
			return true
		}
	}
	return false
}
