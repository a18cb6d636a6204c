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
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	pd "github.com/tikv/pd/client"

	"github.com/kvtxn/coordinator/tikvrpc"
)

// fakeVersion is one committed value for a key, the fake store's stand-in
// for a real shard's MVCC versions.
type fakeVersion struct {
	ts      uint64
	value   []byte
	deleted bool
}

// fakeKVServer is an in-memory stand-in for a shard leader; fakePD routes
// both of its regions to this one server.
// It implements just enough of the prewrite/commit/rollback/checkTxnStatus
// protocol to drive the committer and lock resolver through realistic
// scenarios, without a real MVCC storage engine behind it.
type fakeKVServer struct {
	mu sync.Mutex

	values   map[string][]fakeVersion
	locks    map[string]*kvrpcpb.LockInfo
	pending  map[string]*kvrpcpb.Mutation // staged write, applied to values on commit
	commits  map[uint64]uint64            // startTS -> commitTS, once any key of that txn has committed
	rollback map[uint64]bool

	// commitConflicts forces the next commit() for a given startTS to answer
	// with a Conflict KeyError instead of applying the write, simulating some
	// other actor having already rolled the primary's lock back.
	commitConflicts map[uint64]bool

	tsCounter uint64
}

func newFakeKVServer() *fakeKVServer {
	return &fakeKVServer{
		values:          make(map[string][]fakeVersion),
		locks:           make(map[string]*kvrpcpb.LockInfo),
		pending:         make(map[string]*kvrpcpb.Mutation),
		commits:         make(map[uint64]uint64),
		rollback:        make(map[uint64]bool),
		commitConflicts: make(map[uint64]bool),
	}
}

// forceCommitConflict makes the next commit() call for startTS answer with a
// Conflict KeyError, as if another transaction's write had already raced and
// won past the primary's lock.
func (s *fakeKVServer) forceCommitConflict(startTS uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitConflicts[startTS] = true
}

func (s *fakeKVServer) nextTS() uint64 {
	return atomic.AddUint64(&s.tsCounter, 1) + 1<<40 // keep clear of oracle-issued timestamps
}

func (s *fakeKVServer) latestVisible(key string, version uint64) (fakeVersion, bool) {
	var best fakeVersion
	found := false
	for _, v := range s.values[key] {
		if v.ts <= version && (!found || v.ts > best.ts) {
			best, found = v, true
		}
	}
	return best, found
}

func (s *fakeKVServer) get(req *kvrpcpb.GetRequest) *kvrpcpb.GetResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := string(req.Key)
	if lock, ok := s.locks[k]; ok && lock.GetLockVersion() <= req.Version {
		return &kvrpcpb.GetResponse{Error: &kvrpcpb.KeyError{Locked: lock}}
	}
	v, found := s.latestVisible(k, req.Version)
	if !found || v.deleted {
		return &kvrpcpb.GetResponse{NotFound: true}
	}
	return &kvrpcpb.GetResponse{Value: v.value}
}

func (s *fakeKVServer) batchGet(req *kvrpcpb.BatchGetRequest) *kvrpcpb.BatchGetResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	pairs := make([]*kvrpcpb.KvPair, 0, len(req.Keys))
	for _, key := range req.Keys {
		k := string(key)
		if lock, ok := s.locks[k]; ok && lock.GetLockVersion() <= req.Version {
			pairs = append(pairs, &kvrpcpb.KvPair{Key: key, Error: &kvrpcpb.KeyError{Locked: lock}})
			continue
		}
		if v, found := s.latestVisible(k, req.Version); found && !v.deleted {
			pairs = append(pairs, &kvrpcpb.KvPair{Key: key, Value: v.value})
		}
	}
	return &kvrpcpb.BatchGetResponse{Pairs: pairs}
}

func (s *fakeKVServer) scan(req *kvrpcpb.ScanRequest) *kvrpcpb.ScanResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pairs []*kvrpcpb.KvPair
	for key := range s.values {
		if key < string(req.StartKey) {
			continue
		}
		if len(req.EndKey) != 0 && key >= string(req.EndKey) {
			continue
		}
		if v, found := s.latestVisible(key, req.Version); found && !v.deleted {
			pairs = append(pairs, &kvrpcpb.KvPair{Key: []byte(key), Value: v.value})
		}
	}
	sortKvPairs(pairs)
	if int(req.Limit) > 0 && len(pairs) > int(req.Limit) {
		pairs = pairs[:req.Limit]
	}
	return &kvrpcpb.ScanResponse{Pairs: pairs}
}

func sortKvPairs(pairs []*kvrpcpb.KvPair) {
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && string(pairs[j-1].Key) > string(pairs[j].Key); j-- {
			pairs[j-1], pairs[j] = pairs[j], pairs[j-1]
		}
	}
}

func (s *fakeKVServer) prewrite(req *kvrpcpb.PrewriteRequest) *kvrpcpb.PrewriteResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keyErrs []*kvrpcpb.KeyError
	for _, m := range req.Mutations {
		k := string(m.Key)
		if lock, ok := s.locks[k]; ok && lock.GetLockVersion() != req.StartVersion {
			keyErrs = append(keyErrs, &kvrpcpb.KeyError{Locked: lock})
			continue
		}
		for _, v := range s.values[k] {
			if v.ts > req.StartVersion {
				keyErrs = append(keyErrs, &kvrpcpb.KeyError{Conflict: &kvrpcpb.WriteConflict{StartTs: req.StartVersion, ConflictTs: v.ts, Key: m.Key}})
				break
			}
		}
		if m.Assertion == kvrpcpb.Assertion_NotExist {
			if v, found := s.latestVisible(k, req.StartVersion); found && !v.deleted {
				keyErrs = append(keyErrs, &kvrpcpb.KeyError{AlreadyExist: &kvrpcpb.AlreadyExist{Key: m.Key}})
			}
		}
	}
	if len(keyErrs) > 0 {
		return &kvrpcpb.PrewriteResponse{Errors: keyErrs}
	}

	for _, m := range req.Mutations {
		k := string(m.Key)
		s.locks[k] = &kvrpcpb.LockInfo{
			Key: m.Key, PrimaryLock: req.PrimaryLock, LockVersion: req.StartVersion,
			LockTtl: req.LockTtl, TxnSize: req.TxnSize, LockType: m.Op,
		}
		mCopy := *m
		s.pending[k] = &mCopy
	}
	if req.TryOnePc {
		commitTS := s.nextTS()
		for _, m := range req.Mutations {
			s.applyCommitLocked(m.Key, req.StartVersion, commitTS)
		}
		s.commits[req.StartVersion] = commitTS
		return &kvrpcpb.PrewriteResponse{OnePcCommitTs: commitTS}
	}
	return &kvrpcpb.PrewriteResponse{}
}

func (s *fakeKVServer) applyCommitLocked(key []byte, startTS, commitTS uint64) {
	k := string(key)
	m, ok := s.pending[k]
	deleted := ok && m.Op == kvrpcpb.Op_Del
	var val []byte
	if ok {
		val = m.Value
	}
	s.values[k] = append(s.values[k], fakeVersion{ts: commitTS, value: val, deleted: deleted})
	delete(s.locks, k)
	delete(s.pending, k)
}

func (s *fakeKVServer) commit(req *kvrpcpb.CommitRequest) *kvrpcpb.CommitResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitConflicts[req.StartVersion] {
		delete(s.commitConflicts, req.StartVersion)
		return &kvrpcpb.CommitResponse{Error: &kvrpcpb.KeyError{Conflict: &kvrpcpb.WriteConflict{
			StartTs:    req.StartVersion,
			ConflictTs: req.CommitVersion,
			Key:        req.Keys[0],
		}}}
	}
	for _, key := range req.Keys {
		k := string(key)
		lock, ok := s.locks[k]
		if !ok || lock.GetLockVersion() != req.StartVersion {
			if vs := s.values[k]; len(vs) > 0 && vs[len(vs)-1].ts == req.CommitVersion {
				continue // already applied, idempotent retry
			}
			return &kvrpcpb.CommitResponse{Error: &kvrpcpb.KeyError{TxnNotFound: &kvrpcpb.TxnNotFound{StartTs: req.StartVersion, PrimaryKey: key}}}
		}
		s.applyCommitLocked(key, req.StartVersion, req.CommitVersion)
	}
	s.commits[req.StartVersion] = req.CommitVersion
	return &kvrpcpb.CommitResponse{}
}

func (s *fakeKVServer) batchRollback(req *kvrpcpb.BatchRollbackRequest) *kvrpcpb.BatchRollbackResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range req.Keys {
		k := string(key)
		if lock, ok := s.locks[k]; ok && lock.GetLockVersion() == req.StartVersion {
			delete(s.locks, k)
			delete(s.pending, k)
		}
	}
	s.rollback[req.StartVersion] = true
	return &kvrpcpb.BatchRollbackResponse{}
}

func (s *fakeKVServer) checkTxnStatus(req *kvrpcpb.CheckTxnStatusRequest) *kvrpcpb.CheckTxnStatusResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	if commitTS, ok := s.commits[req.LockTs]; ok {
		return &kvrpcpb.CheckTxnStatusResponse{CommitVersion: commitTS}
	}
	if s.rollback[req.LockTs] {
		return &kvrpcpb.CheckTxnStatusResponse{}
	}
	if lock, ok := s.locks[string(req.PrimaryKey)]; ok && lock.GetLockVersion() == req.LockTs {
		return &kvrpcpb.CheckTxnStatusResponse{LockTtl: lock.GetLockTtl()}
	}
	if req.RollbackIfNotExist {
		s.rollback[req.LockTs] = true
	}
	return &kvrpcpb.CheckTxnStatusResponse{}
}

func (s *fakeKVServer) txnHeartBeat(req *kvrpcpb.TxnHeartBeatRequest) *kvrpcpb.TxnHeartBeatResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.locks[string(req.PrimaryLock)]; ok && lock.GetLockVersion() == req.StartVersion {
		lock.LockTtl = req.AdviseLockTtl
		return &kvrpcpb.TxnHeartBeatResponse{LockTtl: lock.LockTtl}
	}
	return &kvrpcpb.TxnHeartBeatResponse{}
}

// expireLock forces a lock's TTL into the past, so a concurrent reader's
// lock resolver decides to roll it forward/back instead of waiting it out.
func (s *fakeKVServer) expireLock(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.locks[string(key)]; ok {
		lock.LockTtl = 0
	}
}

// fakeClient implements internal/client.Client against a single
// fakeKVServer, ignoring addr entirely (the tests only ever stand up one
// server, behind both of fakePD's regions).
type fakeClient struct {
	store *fakeKVServer
}

func (c *fakeClient) Close() error               { return nil }
func (c *fakeClient) CloseAddr(addr string) error { return nil }
func (c *fakeClient) SendRequest(ctx context.Context, addr string, req *tikvrpc.Request, timeout time.Duration) (*tikvrpc.Response, error) {
	switch req.Type {
	case tikvrpc.CmdGet:
		return &tikvrpc.Response{Resp: c.store.get(req.Req.(*kvrpcpb.GetRequest))}, nil
	case tikvrpc.CmdBatchGet:
		return &tikvrpc.Response{Resp: c.store.batchGet(req.Req.(*kvrpcpb.BatchGetRequest))}, nil
	case tikvrpc.CmdScan:
		return &tikvrpc.Response{Resp: c.store.scan(req.Req.(*kvrpcpb.ScanRequest))}, nil
	case tikvrpc.CmdPrewrite:
		return &tikvrpc.Response{Resp: c.store.prewrite(req.Req.(*kvrpcpb.PrewriteRequest))}, nil
	case tikvrpc.CmdCommit:
		return &tikvrpc.Response{Resp: c.store.commit(req.Req.(*kvrpcpb.CommitRequest))}, nil
	case tikvrpc.CmdBatchRollback:
		return &tikvrpc.Response{Resp: c.store.batchRollback(req.Req.(*kvrpcpb.BatchRollbackRequest))}, nil
	case tikvrpc.CmdCheckTxnStatus:
		return &tikvrpc.Response{Resp: c.store.checkTxnStatus(req.Req.(*kvrpcpb.CheckTxnStatusRequest))}, nil
	case tikvrpc.CmdTxnHeartBeat:
		return &tikvrpc.Response{Resp: c.store.txnHeartBeat(req.Req.(*kvrpcpb.TxnHeartBeatRequest))}, nil
	default:
		panic("fakeClient: unsupported request type in test")
	}
}

// fakePD is a two-region PDClient, split at "m": every key routes to
// whichever of the two fake shard descriptors owns its half of the
// keyspace, though both still dispatch to the single fakeClient/
// fakeKVServer underneath (fakeClient ignores the resolved address). This
// is what lets tests force a transaction's mutations across more than one
// region, exercising the primary/secondary fan-out instead of 1PC.
type fakePD struct{}

func (fakePD) GetRegion(ctx context.Context, key []byte) (*pd.Region, error) {
	if string(key) < "m" {
		return &pd.Region{
			Meta: &metapb.Region{
				Id:          1,
				EndKey:      []byte("m"),
				RegionEpoch: &metapb.RegionEpoch{ConfVer: 1, Version: 1},
				Peers:       []*metapb.Peer{{Id: 11, StoreId: 100}},
			},
			Leader: &metapb.Peer{Id: 11, StoreId: 100},
		}, nil
	}
	return &pd.Region{
		Meta: &metapb.Region{
			Id:          2,
			StartKey:    []byte("m"),
			RegionEpoch: &metapb.RegionEpoch{ConfVer: 1, Version: 1},
			Peers:       []*metapb.Peer{{Id: 21, StoreId: 200}},
		},
		Leader: &metapb.Peer{Id: 21, StoreId: 200},
	}, nil
}

func (fakePD) GetStore(ctx context.Context, storeID uint64) (*metapb.Store, error) {
	return &metapb.Store{Id: storeID, Address: "fake-addr"}, nil
}

// fakeOracle hands out strictly increasing timestamps without talking to a
// real time oracle.
type fakeOracle struct {
	counter uint64
}

func (o *fakeOracle) GetTimestamp(ctx context.Context) (uint64, error) {
	return atomic.AddUint64(&o.counter, 1), nil
}

func (o *fakeOracle) Close() {}
