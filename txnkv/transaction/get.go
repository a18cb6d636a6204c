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

// NOTE: txnkv/transaction/txn.go's Get/BatchGet paths were not among the
// teacher files retrieved for this module. The Get RPC shape below is
// instead grounded on teacher internal/mockstore/mocktikv/mvcc_leveldb.go's
// server-side Get handling, adapted to read the Write Buffer first and
// fall through to the shard leader only on a local miss (§4.1 point-read
// precedence).

package transaction

import (
	"context"

	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pkg/errors"

	tikverr "github.com/kvtxn/coordinator/error"
	"github.com/kvtxn/coordinator/internal/client"
	"github.com/kvtxn/coordinator/internal/retry"
	"github.com/kvtxn/coordinator/tikvrpc"
	"github.com/kvtxn/coordinator/txnkv/txnlock"
)

// get reads a single key at startTS, consulting the Write Buffer first
// (§4.1): a buffered Put/PutIfAbsent is returned directly, a buffered
// Delete is reported as not-found without a server round trip, and only an
// unbuffered key reaches the shard leader.
func (txn *Transaction) get(ctx context.Context, key []byte) ([]byte, error) {
	if e, ok := txn.buf.Get(key); ok {
		if e.Type == TypeDelete {
			return nil, tikverr.ErrNotFound
		}
		return e.Value, nil
	}
	return txn.getFromStore(ctx, key)
}

func (txn *Transaction) getFromStore(ctx context.Context, key []byte) ([]byte, error) {
	bo := retry.NewBackoffer(ctx, 20000)
	for {
		loc, err := txn.regionCache.LookupRegionByKey(bo, key)
		if err != nil {
			return nil, err
		}
		req := tikvrpc.NewRequest(tikvrpc.CmdGet, &kvrpcpb.GetRequest{Key: key, Version: txn.startTS}, kvrpcpb.Context{})
		req.SetContext(loc.Region.VerID.Id, loc.Region.Epoch(), loc.Region.Leader)

		resp, err := txn.rpcClient.SendRequest(bo.GetCtx(), loc.Region.LeaderAddr, req, client.ReadTimeoutShort)
		if err != nil {
			if boErr := bo.Backoff(retry.BoTiKVRPC, err); boErr != nil {
				return nil, boErr
			}
			continue
		}
		if regionErr, _ := resp.GetRegionError(); regionErr != nil {
			if err := txn.regionCache.OnRegionEpochNotMatch(bo, loc.Region.VerID, nil); err != nil {
				return nil, err
			}
			if boErr := bo.Backoff(retry.BoRegionMiss, errors.Errorf("region error on get: %s", regionErr)); boErr != nil {
				return nil, boErr
			}
			continue
		}

		getResp := resp.Resp.(*kvrpcpb.GetResponse)
		if keyErr := getResp.GetError(); keyErr != nil {
			lock, err := txnlock.ExtractLockFromKeyErr(keyErr)
			if err != nil {
				return nil, err
			}
			msBeforeExpired, err := txn.lockResolver.ResolveLocks(bo, txn.startTS, []*txnlock.Lock{lock})
			if err != nil {
				return nil, err
			}
			if msBeforeExpired > 0 {
				if boErr := bo.BackoffWithMaxSleep(retry.BoTxnLockFast, int(msBeforeExpired), errors.New("get blocked on live lock")); boErr != nil {
					return nil, boErr
				}
			}
			continue
		}
		if getResp.NotFound {
			return nil, tikverr.ErrNotFound
		}
		return getResp.GetValue(), nil
	}
}

// batchGet reads multiple keys, serving buffered ones locally and fanning
// the rest out in parallel across the regions they resolve to (§4.1).
func (txn *Transaction) batchGet(ctx context.Context, keys [][]byte) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	var remaining [][]byte
	for _, key := range keys {
		if e, ok := txn.buf.Get(key); ok {
			if e.Type != TypeDelete {
				out[string(key)] = e.Value
			}
			continue
		}
		remaining = append(remaining, key)
	}
	if len(remaining) == 0 {
		return out, nil
	}

	bo := retry.NewBackoffer(ctx, 20000)
	groups, err := groupKeysByRegion(bo, txn.regionCache, remaining)
	if err != nil {
		return nil, err
	}
	batches := make([]keyBatch, 0, len(groups))
	for _, g := range groups {
		batches = append(batches, g)
	}

	type result struct {
		kvs []KV
		err error
	}
	resultsSlot := make([]result, len(batches))
	errs := executeParallelIndexed(ctx, len(batches), func(i int) error {
		childBo, cancel := bo.Fork()
		defer cancel()
		kvs, err := txn.batchGetBatch(childBo, batches[i])
		resultsSlot[i] = result{kvs: kvs, err: err}
		return err
	})
	if err := firstError(errs); err != nil {
		return nil, err
	}
	for _, r := range resultsSlot {
		for _, kv := range r.kvs {
			out[string(kv.Key)] = kv.Value
		}
	}
	return out, nil
}

func (txn *Transaction) batchGetBatch(bo *retry.Backoffer, batch keyBatch) ([]KV, error) {
	for {
		req := tikvrpc.NewRequest(tikvrpc.CmdBatchGet, &kvrpcpb.BatchGetRequest{Keys: batch.keys, Version: txn.startTS}, kvrpcpb.Context{})
		req.SetContext(batch.region.VerID.Id, batch.region.Epoch(), batch.region.Leader)

		resp, err := txn.rpcClient.SendRequest(bo.GetCtx(), batch.region.LeaderAddr, req, client.ReadTimeoutShort)
		if err != nil {
			if boErr := bo.Backoff(retry.BoTiKVRPC, err); boErr != nil {
				return nil, boErr
			}
			continue
		}
		if regionErr, _ := resp.GetRegionError(); regionErr != nil {
			if err := txn.regionCache.OnRegionEpochNotMatch(bo, batch.region.VerID, nil); err != nil {
				return nil, err
			}
			refreshed, err := txn.regionCache.LookupRegionByKey(bo, batch.keys[0])
			if err != nil {
				return nil, err
			}
			batch.region = refreshed.Region
			continue
		}

		bgResp := resp.Resp.(*kvrpcpb.BatchGetResponse)
		if keyErrs := collectLockErrs(bgResp.GetPairs()); len(keyErrs) > 0 {
			locks, err := extractLocksOrFatal(keyErrs)
			if err != nil {
				return nil, err
			}
			msBeforeExpired, err := txn.lockResolver.ResolveLocks(bo, txn.startTS, locks)
			if err != nil {
				return nil, err
			}
			if msBeforeExpired > 0 {
				if boErr := bo.BackoffWithMaxSleep(retry.BoTxnLockFast, int(msBeforeExpired), errors.New("batch get blocked on live lock")); boErr != nil {
					return nil, boErr
				}
			}
			continue
		}

		out := make([]KV, 0, len(bgResp.GetPairs()))
		for _, p := range bgResp.GetPairs() {
			if p.GetError() != nil {
				continue
			}
			out = append(out, KV{Key: p.GetKey(), Value: p.GetValue()})
		}
		return out, nil
	}
}

func collectLockErrs(pairs []*kvrpcpb.KvPair) []*kvrpcpb.KeyError {
	var errs []*kvrpcpb.KeyError
	for _, p := range pairs {
		if ke := p.GetError(); ke != nil && ke.GetLocked() != nil {
			errs = append(errs, ke)
		}
	}
	return errs
}
