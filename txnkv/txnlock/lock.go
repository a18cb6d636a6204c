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

// Package txnlock implements C5, the Lock Resolver: given a lock left
// behind by another transaction's prewrite, it decides whether to wait,
// roll the blocking transaction forward, or roll it back, per §4.3.
package txnlock

import (
	"sync"
	"time"

	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	tikverr "github.com/kvtxn/coordinator/error"
	"github.com/kvtxn/coordinator/internal/client"
	"github.com/kvtxn/coordinator/internal/logutil"
	"github.com/kvtxn/coordinator/internal/locate"
	"github.com/kvtxn/coordinator/internal/retry"
	"github.com/kvtxn/coordinator/metrics"
	"github.com/kvtxn/coordinator/oracle"
	"github.com/kvtxn/coordinator/tikvrpc"
)

// Lock is the client-side view of a kvrpcpb.LockInfo returned on conflict,
// matching §3's Lock Info data model.
type Lock struct {
	Key     []byte
	Primary []byte
	TxnID   uint64
	TTL     uint64
	TxnSize uint64
	Kind    kvrpcpb.Op
}

// NewLock wraps a wire LockInfo.
func NewLock(l *kvrpcpb.LockInfo) *Lock {
	return &Lock{
		Key:     l.GetKey(),
		Primary: l.GetPrimaryLock(),
		TxnID:   l.GetLockVersion(),
		TTL:     l.GetLockTtl(),
		TxnSize: l.GetTxnSize(),
		Kind:    l.GetLockType(),
	}
}

func (l *Lock) String() string {
	return string(l.Key) + "@" + string(l.Primary)
}

// ExtractLockFromKeyErr pulls the Lock out of a kvrpcpb.KeyError, erroring
// if the KeyError does not actually carry one (a caller bug, not a
// transport failure).
func ExtractLockFromKeyErr(keyErr *kvrpcpb.KeyError) (*Lock, error) {
	if locked := keyErr.GetLocked(); locked != nil {
		return NewLock(locked), nil
	}
	return nil, errors.Errorf("unexpected key error without a lock: %v", keyErr)
}

// txnStatus is the resolver's interpretation of a CheckTxnStatus response.
type txnStatus struct {
	commitTS   uint64 // > 0 if the foreign txn committed
	ttl        uint64 // lock TTL in ms, counted from the lock's start_ts; meaningful only if still locked
	rolledBack bool
}

func (s txnStatus) isCommitted() bool { return s.commitTS > 0 }

// isExpired reports whether a still-locked txn's TTL has run out, given the
// milliseconds elapsed since the physical time of its start_ts.
func (s txnStatus) isExpired(elapsedMs int64) bool {
	return !s.isCommitted() && !s.rolledBack && int64(s.ttl) <= elapsedMs
}

// LockResolver is C5. It is a shared, process-wide service referenced by
// every live Transaction via a non-owning handle.
type LockResolver struct {
	regionCache *locate.RegionCache
	rpcClient   client.Client

	mu       sync.Mutex
	resolved map[uint64]txnStatus // lock_ts -> last known status, to skip redundant CheckTxnStatus RPCs
}

// NewLockResolver builds a Lock Resolver sharing the coordinator's routing
// cache and dispatcher.
func NewLockResolver(regionCache *locate.RegionCache, rpcClient client.Client) *LockResolver {
	return &LockResolver{
		regionCache: regionCache,
		rpcClient:   rpcClient,
		resolved:    make(map[uint64]txnStatus),
	}
}

// ResolveLocks implements §4.3's algorithm for each lock in turn. It
// returns the minimum milliseconds before the first still-live lock
// expires (0 if none are live), and a non-nil err only for transport
// failures — a still-live, unexpired lock is reported via msBeforeExpired,
// not as an error, so the caller can decide how to back off (§4.3 step 4
// returns TxnLockConflict to the caller, which in this implementation
// manifests as the caller's own retry loop re-invoking the blocked op).
func (lr *LockResolver) ResolveLocks(bo *retry.Backoffer, callerStartTS uint64, locks []*Lock) (int64, error) {
	var msBeforeExpired int64
	for _, l := range locks {
		status, err := lr.checkTxnStatus(bo, l, callerStartTS)
		if err != nil {
			return 0, err
		}
		// A lock's TTL runs from the physical time of its start_ts.
		elapsed := oracle.GetPhysical(time.Now()) - oracle.ExtractPhysical(l.TxnID)
		switch {
		case status.isCommitted():
			if err := lr.resolveLock(bo, l, status.commitTS); err != nil {
				return 0, err
			}
			metrics.LockResolverCountWithResolve.WithLabelValues("rollForward").Inc()
		case status.rolledBack || status.isExpired(elapsed):
			if err := lr.rollbackLock(bo, l); err != nil {
				return 0, err
			}
			metrics.LockResolverCountWithResolve.WithLabelValues("rollback").Inc()
		default:
			left := int64(status.ttl) - elapsed
			if left < 0 {
				left = 0
			}
			if msBeforeExpired == 0 || left < msBeforeExpired {
				msBeforeExpired = left
			}
		}
	}
	return msBeforeExpired, nil
}

// checkTxnStatus sends TxnCheckTxnStatus to the shard owning the lock's
// primary key (§4.3 step 1), with a small in-process cache so a hot,
// still-conflicted primary doesn't get hammered once this resolver has
// already learned its fate this round.
func (lr *LockResolver) checkTxnStatus(bo *retry.Backoffer, l *Lock, callerStartTS uint64) (txnStatus, error) {
	lr.mu.Lock()
	if s, ok := lr.resolved[l.TxnID]; ok && (s.isCommitted() || s.rolledBack) {
		lr.mu.Unlock()
		return s, nil
	}
	lr.mu.Unlock()

	loc, err := lr.regionCache.LookupRegionByKey(bo, l.Primary)
	if err != nil {
		return txnStatus{}, err
	}

	req := tikvrpc.NewRequest(tikvrpc.CmdCheckTxnStatus, &kvrpcpb.CheckTxnStatusRequest{
		PrimaryKey:         l.Primary,
		LockTs:             l.TxnID,
		CallerStartTs:      callerStartTS,
		CurrentTs:          uint64(time.Now().UnixNano() / int64(time.Millisecond)),
		RollbackIfNotExist: true,
	}, kvrpcpb.Context{})
	req.SetContext(loc.Region.VerID.Id, loc.Region.Epoch(), loc.Region.Leader)

	resp, err := lr.sendWithRetry(bo, loc, req, client.ReadTimeoutShort)
	if err != nil {
		return txnStatus{}, errors.Wrap(tikverr.ErrLockResolverTimeout, err.Error())
	}
	csResp := resp.Resp.(*kvrpcpb.CheckTxnStatusResponse)

	status := txnStatus{commitTS: csResp.GetCommitVersion(), ttl: csResp.GetLockTtl()}
	if status.commitTS == 0 && status.ttl == 0 {
		status.rolledBack = true
	}

	lr.mu.Lock()
	lr.resolved[l.TxnID] = status
	lr.mu.Unlock()

	logutil.Logger(bo.GetCtx()).Debug("checked txn status",
		zap.Uint64("lockTS", l.TxnID), zap.Uint64("commitTS", status.commitTS), zap.Bool("rolledBack", status.rolledBack))
	return status, nil
}

// resolveLock rolls the blocking key forward by applying the foreign
// txn's commit marker to it (§4.3 step 2).
func (lr *LockResolver) resolveLock(bo *retry.Backoffer, l *Lock, commitTS uint64) error {
	loc, err := lr.regionCache.LookupRegionByKey(bo, l.Key)
	if err != nil {
		return err
	}
	req := tikvrpc.NewRequest(tikvrpc.CmdCommit, &kvrpcpb.CommitRequest{
		StartVersion:  l.TxnID,
		Keys:          [][]byte{l.Key},
		CommitVersion: commitTS,
	}, kvrpcpb.Context{})
	req.SetContext(loc.Region.VerID.Id, loc.Region.Epoch(), loc.Region.Leader)
	_, err = lr.sendWithRetry(bo, loc, req, client.ReadTimeoutShort)
	return err
}

// rollbackLock purges the stale lock (§4.3 step 3).
func (lr *LockResolver) rollbackLock(bo *retry.Backoffer, l *Lock) error {
	loc, err := lr.regionCache.LookupRegionByKey(bo, l.Key)
	if err != nil {
		return err
	}
	req := tikvrpc.NewRequest(tikvrpc.CmdBatchRollback, &kvrpcpb.BatchRollbackRequest{
		StartVersion: l.TxnID,
		Keys:         [][]byte{l.Key},
	}, kvrpcpb.Context{})
	req.SetContext(loc.Region.VerID.Id, loc.Region.Epoch(), loc.Region.Leader)
	_, err = lr.sendWithRetry(bo, loc, req, client.ReadTimeoutShort)
	return err
}

// sendWithRetry retries transport errors up to the backoffer's budget;
// it never retries across a region boundary without re-resolving it.
func (lr *LockResolver) sendWithRetry(bo *retry.Backoffer, loc *locate.KeyLocation, req *tikvrpc.Request, timeout time.Duration) (*tikvrpc.Response, error) {
	for {
		resp, err := lr.rpcClient.SendRequest(bo.GetCtx(), loc.Region.LeaderAddr, req, timeout)
		if err != nil {
			if boErr := bo.Backoff(retry.BoTiKVRPC, err); boErr != nil {
				return nil, boErr
			}
			continue
		}
		return resp, nil
	}
}

