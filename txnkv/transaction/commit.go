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

// NOTE: committer.go itself was not among the teacher files retrieved for
// this module. The primary-then-secondaries split below is grounded on
// the same split visible in teacher prewrite.go's failpoint-tagged
// "primary batch"/"secondary batch" handling, trimmed to the two steps
// the specification's PreCommit/Commit operations need: it no longer owns
// async-commit/1PC eligibility analysis beyond the single-region check the
// Transaction Coordinator already makes before calling in.

package transaction

import (
	"context"

	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pkg/errors"

	"github.com/kvtxn/coordinator/config"
	tikverr "github.com/kvtxn/coordinator/error"
	"github.com/kvtxn/coordinator/internal/client"
	"github.com/kvtxn/coordinator/internal/locate"
	"github.com/kvtxn/coordinator/internal/retry"
	"github.com/kvtxn/coordinator/metrics"
	"github.com/kvtxn/coordinator/tikvrpc"
	"github.com/kvtxn/coordinator/txnkv/txnlock"
)

// committer drives the PreCommit/Commit/Rollback RPCs for one Transaction's
// buffered mutations. It is a short-lived helper built fresh by each
// Transaction.PreCommit, Commit or Rollback call, not shared across
// transactions.
type committer struct {
	startTS   uint64
	primary   []byte
	lockTTL   uint64
	mutations []Entry

	regionCache  *locate.RegionCache
	rpcClient    client.Client
	lockResolver *txnlock.LockResolver
}

func newCommitter(startTS uint64, buf *MemBuffer, regionCache *locate.RegionCache, rpcClient client.Client, lockResolver *txnlock.LockResolver) *committer {
	cfg := config.GetGlobalConfig()
	return &committer{
		startTS:      startTS,
		primary:      buf.PrimaryKey(),
		lockTTL:      cfg.TiKVClient.DefaultLockTTL,
		mutations:    buf.Mutations(),
		regionCache:  regionCache,
		rpcClient:    rpcClient,
		lockResolver: lockResolver,
	}
}

// commitPrimary sends TxnCommit for the primary key alone (§4.7 step 7):
// this is the linearization point. Transport and region errors are retried;
// a WriteConflict, a TxnNotFound or any other key error here is fatal for
// the whole transaction.
func (c *committer) commitPrimary(bo *retry.Backoffer, commitTS uint64) error {
	loc, err := c.regionCache.LookupRegionByKey(bo, c.primary)
	if err != nil {
		return err
	}
	for {
		req := tikvrpc.NewRequest(tikvrpc.CmdCommit, &kvrpcpb.CommitRequest{
			StartVersion:  c.startTS,
			Keys:          [][]byte{c.primary},
			CommitVersion: commitTS,
		}, kvrpcpb.Context{})
		req.SetContext(loc.Region.VerID.Id, loc.Region.Epoch(), loc.Region.Leader)

		resp, err := c.rpcClient.SendRequest(bo.GetCtx(), loc.Region.LeaderAddr, req, client.ReadTimeoutShort)
		if err != nil {
			if boErr := bo.Backoff(retry.BoTiKVRPC, err); boErr != nil {
				return boErr
			}
			continue
		}
		if regionErr, _ := resp.GetRegionError(); regionErr != nil {
			if err := c.regionCache.OnRegionEpochNotMatch(bo, loc.Region.VerID, nil); err != nil {
				return err
			}
			if boErr := bo.Backoff(retry.BoRegionMiss, errors.Errorf("region error on commit: %s", regionErr)); boErr != nil {
				return boErr
			}
			refreshed, err := c.regionCache.LookupRegionByKey(bo, c.primary)
			if err != nil {
				return err
			}
			loc = refreshed
			continue
		}

		commitResp := resp.Resp.(*kvrpcpb.CommitResponse)
		if keyErr := commitResp.GetError(); keyErr != nil {
			if keyErr.GetConflict() != nil {
				// A WriteConflict on the primary's own commit means some other
				// actor already rolled the primary lock back (§4.7 step 2): the
				// transaction is decided, and it decided against us.
				return errors.WithStack(tikverr.ErrTxnRolledBack)
			}
			if keyErr.GetTxnNotFound() != nil {
				return errors.WithStack(&tikverr.ErrTxnNotFound{StartTS: c.startTS, PrimaryKey: c.primary})
			}
			return errors.Errorf("unexpected commit key error: %s", keyErr.String())
		}
		return nil
	}
}

// commitSecondaries rolls the commit marker forward on every non-primary
// key, best-effort: once the primary has committed, a secondary that never
// learns about it is cleaned up lazily by whichever future reader's lock
// resolver finds it (§4.7 step 8's "failures here are logged, not fatal").
func (c *committer) commitSecondaries(ctx context.Context, bo *retry.Backoffer, commitTS uint64) {
	var secondaryKeys [][]byte
	for _, e := range c.mutations {
		if string(e.Key) == string(c.primary) {
			continue
		}
		secondaryKeys = append(secondaryKeys, e.Key)
	}
	if len(secondaryKeys) == 0 {
		return
	}

	groups, err := groupKeysByRegion(bo, c.regionCache, secondaryKeys)
	if err != nil {
		tikverr.Log(err)
		return
	}
	metrics.TxnRegionsNumHistogramCommit.Observe(float64(len(groups) + 1))

	regionBatches := make([]keyBatch, 0, len(groups))
	for _, g := range groups {
		regionBatches = append(regionBatches, g)
	}
	results := executeParallelIndexed(ctx, len(regionBatches), func(i int) error {
		childBo, cancel := bo.Fork()
		defer cancel()
		return c.commitKeyBatch(childBo, regionBatches[i], commitTS)
	})
	for _, err := range results {
		tikverr.Log(err)
	}
}

func (c *committer) commitKeyBatch(bo *retry.Backoffer, batch keyBatch, commitTS uint64) error {
	for {
		req := tikvrpc.NewRequest(tikvrpc.CmdCommit, &kvrpcpb.CommitRequest{
			StartVersion:  c.startTS,
			Keys:          batch.keys,
			CommitVersion: commitTS,
		}, kvrpcpb.Context{})
		req.SetContext(batch.region.VerID.Id, batch.region.Epoch(), batch.region.Leader)

		resp, err := c.rpcClient.SendRequest(bo.GetCtx(), batch.region.LeaderAddr, req, client.ReadTimeoutShort)
		if err != nil {
			if boErr := bo.Backoff(retry.BoTiKVRPC, err); boErr != nil {
				return boErr
			}
			continue
		}
		if regionErr, _ := resp.GetRegionError(); regionErr != nil {
			if err := c.regionCache.OnRegionEpochNotMatch(bo, batch.region.VerID, nil); err != nil {
				return err
			}
			if boErr := bo.Backoff(retry.BoRegionMiss, errors.Errorf("region error on secondary commit: %s", regionErr)); boErr != nil {
				return boErr
			}
			refreshed, err := c.regionCache.LookupRegionByKey(bo, batch.keys[0])
			if err != nil {
				return err
			}
			batch.region = refreshed.Region
			continue
		}
		return nil
	}
}

// keyBatch is one shard's worth of bare keys, for Commit/BatchRollback.
type keyBatch struct {
	region *locate.Region
	keys   [][]byte
}

func groupKeysByRegion(bo *retry.Backoffer, cache *locate.RegionCache, keys [][]byte) (map[locate.RegionVerID]keyBatch, error) {
	groups := make(map[locate.RegionVerID]keyBatch)
	for _, key := range keys {
		loc, err := cache.LookupRegionByKey(bo, key)
		if err != nil {
			return nil, err
		}
		g := groups[loc.Region.VerID]
		g.region = loc.Region
		g.keys = append(g.keys, key)
		groups[loc.Region.VerID] = g
	}
	return groups, nil
}
