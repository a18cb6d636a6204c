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

// NOTE: txnkv/transaction/txn.go itself was not among the teacher files
// retrieved for this module, so its committed/valid bookkeeping isn't
// spot-checkable here. What IS retrieved — teacher prewrite.go's
// primary-then-secondaries split and ttlManager start/stop comments — is
// restructured below around the explicit state machine the specification's
// Transaction Coordinator (C8) names.

package transaction

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/kvtxn/coordinator/config"
	tikverr "github.com/kvtxn/coordinator/error"
	"github.com/kvtxn/coordinator/internal/client"
	"github.com/kvtxn/coordinator/internal/locate"
	"github.com/kvtxn/coordinator/internal/logutil"
	"github.com/kvtxn/coordinator/internal/retry"
	"github.com/kvtxn/coordinator/oracle"
	"github.com/kvtxn/coordinator/txnkv/txnlock"
)

// State is one node of C8's transaction state machine (§4.7).
type State int

const (
	StateInit State = iota
	StateActive
	StatePreCommitting
	StatePreCommitted
	StateCommitting
	StateCommitted
	StateRollingBack
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateActive:
		return "Active"
	case StatePreCommitting:
		return "PreCommitting"
	case StatePreCommitted:
		return "PreCommitted"
	case StateCommitting:
		return "Committing"
	case StateCommitted:
		return "Committed"
	case StateRollingBack:
		return "RollingBack"
	case StateRolledBack:
		return "RolledBack"
	}
	return "Unknown"
}

// Transaction is C8, the Transaction Coordinator: one user-facing
// optimistic transaction, exclusively owned by the goroutine driving it
// (§5's single-owner model — no internal locking protects buf; mu guards
// only the state field).
type Transaction struct {
	mu    sync.Mutex
	state State

	startTS    uint64
	commitTS   uint64
	isOnePC    bool
	buf        *MemBuffer
	ttlManager ttlManager

	// traceID tags every log line this transaction produces, so a
	// PreCommit/Commit fan-out across many regions can be grepped as one
	// unit instead of one line per RPC.
	traceID string

	regionCache  *locate.RegionCache
	rpcClient    client.Client
	lockResolver *txnlock.LockResolver
	oracle       oracle.Oracle
}

// NewTransaction builds an unstarted Transaction sharing the given
// process-wide services. Callers outside this package reach it through
// txnkv.Client.Begin, which also calls Begin to assign start_ts.
func NewTransaction(regionCache *locate.RegionCache, rpcClient client.Client, lockResolver *txnlock.LockResolver, o oracle.Oracle) *Transaction {
	return &Transaction{
		state:        StateInit,
		buf:          NewMemBuffer(),
		traceID:      uuid.NewString(),
		regionCache:  regionCache,
		rpcClient:    rpcClient,
		lockResolver: lockResolver,
		oracle:       o,
	}
}

// Begin assigns start_ts and moves Init -> Active (§4.7 step 1).
func (txn *Transaction) Begin(ctx context.Context) error {
	if err := txn.requireState(StateInit, "Begin"); err != nil {
		return err
	}
	ts, err := txn.oracle.GetTimestamp(ctx)
	if err != nil {
		return err
	}
	txn.mu.Lock()
	txn.startTS = ts
	txn.state = StateActive
	txn.mu.Unlock()
	logutil.BgLogger().Debug("transaction began", zap.String("traceID", txn.traceID), zap.Uint64("startTS", ts))
	return nil
}

// StartTS returns the transaction's start timestamp.
func (txn *Transaction) StartTS() uint64 { return txn.startTS }

// CommitTS returns the transaction's commit timestamp; valid only once
// State() is Committed.
func (txn *Transaction) CommitTS() uint64 { return txn.commitTS }

// State returns the transaction's current coordinator state.
func (txn *Transaction) State() State {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.state
}

// Get returns the value visible to this transaction at key, preferring any
// buffered local write (§4.1).
func (txn *Transaction) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := txn.requireState(StateActive, "Get"); err != nil {
		return nil, err
	}
	return txn.get(ctx, key)
}

// BatchGet reads multiple keys, returning only the keys found.
func (txn *Transaction) BatchGet(ctx context.Context, keys [][]byte) (map[string][]byte, error) {
	if err := txn.requireState(StateActive, "BatchGet"); err != nil {
		return nil, err
	}
	return txn.batchGet(ctx, keys)
}

// Scan returns up to limit rows in [start, end) visible to this
// transaction, merging buffered writes with the server's committed view
// (§4.6). limit<=0 means unbounded.
func (txn *Transaction) Scan(ctx context.Context, start, end []byte, limit int) ([]KV, error) {
	if err := txn.requireState(StateActive, "Scan"); err != nil {
		return nil, err
	}
	if len(start) == 0 || len(end) == 0 || bytes.Compare(start, end) >= 0 {
		return nil, tikverr.ErrInvalidArgument
	}
	bo := retry.NewBackoffer(ctx, 20000)
	local := txn.buf.Range(start, end)
	remote := newServerScanner(bo, txn.regionCache, txn.rpcClient, txn.startTS, start, end)
	return mergeScan(local, remote, limit)
}

// Put buffers an unconditional write, visible to this transaction
// immediately and to everyone else only after Commit (§4.1).
func (txn *Transaction) Put(key, value []byte) error {
	if err := txn.requireState(StateActive, "Put"); err != nil {
		return err
	}
	txn.buf.Put(key, value)
	return nil
}

// PutIfAbsent buffers a conditional insert (§4.1).
func (txn *Transaction) PutIfAbsent(key, value []byte) error {
	if err := txn.requireState(StateActive, "PutIfAbsent"); err != nil {
		return err
	}
	txn.buf.PutIfAbsent(key, value)
	return nil
}

// Delete buffers a deletion.
func (txn *Transaction) Delete(key []byte) error {
	if err := txn.requireState(StateActive, "Delete"); err != nil {
		return err
	}
	txn.buf.Delete(key)
	return nil
}

// BatchPut buffers several unconditional writes.
func (txn *Transaction) BatchPut(kvs map[string][]byte) error {
	if err := txn.requireState(StateActive, "BatchPut"); err != nil {
		return err
	}
	for k, v := range kvs {
		txn.buf.Put([]byte(k), v)
	}
	return nil
}

// BatchPutIfAbsent buffers several conditional inserts.
func (txn *Transaction) BatchPutIfAbsent(kvs map[string][]byte) error {
	if err := txn.requireState(StateActive, "BatchPutIfAbsent"); err != nil {
		return err
	}
	for k, v := range kvs {
		txn.buf.PutIfAbsent([]byte(k), v)
	}
	return nil
}

// BatchDelete buffers several deletions.
func (txn *Transaction) BatchDelete(keys [][]byte) error {
	if err := txn.requireState(StateActive, "BatchDelete"); err != nil {
		return err
	}
	for _, k := range keys {
		txn.buf.Delete(k)
	}
	return nil
}

// PreCommit locks every buffered key at start_ts (§4.7 steps 4-6). If every
// mutation resolves to a single region, it also attempts the one-phase-
// commit fast path (§4.8): on success the transaction is already Committed
// when this returns, and Commit becomes a no-op.
func (txn *Transaction) PreCommit(ctx context.Context) error {
	if err := txn.requireState(StateActive, "PreCommit"); err != nil {
		return err
	}
	if txn.buf.IsEmpty() {
		txn.setState(StatePreCommitted)
		return nil
	}

	txn.setState(StatePreCommitting)
	c := newCommitter(txn.startTS, txn.buf, txn.regionCache, txn.rpcClient, txn.lockResolver)

	if txn.buf.Size() >= config.GetGlobalConfig().TiKVClient.TTLManagerThreshold {
		txn.ttlManager.start(c, txn.rpcClient)
	}

	tryOnePC := touchesSingleRegion(ctx, c)
	bo := retry.NewBackoffer(ctx, 20000)
	onePcCommitTS, err := c.prewriteAll(ctx, bo, tryOnePC)
	if err != nil {
		txn.setState(StatePreCommitting) // stays put; caller decides whether to Rollback
		return err
	}

	if onePcCommitTS > 0 {
		txn.mu.Lock()
		txn.commitTS = onePcCommitTS
		txn.isOnePC = true
		txn.state = StateCommitted
		txn.mu.Unlock()
		txn.ttlManager.stop()
		logutil.BgLogger().Debug("transaction committed via 1PC",
			zap.String("traceID", txn.traceID), zap.Uint64("startTS", txn.startTS), zap.Uint64("commitTS", onePcCommitTS))
		return nil
	}

	txn.setState(StatePreCommitted)
	return nil
}

// touchesSingleRegion reports whether every buffered mutation currently
// resolves to the same region, the precondition §4.8 sets for attempting
// 1PC at all.
func touchesSingleRegion(ctx context.Context, c *committer) bool {
	bo := retry.NewBackoffer(ctx, 5000)
	groups, err := groupByRegion(bo, c.regionCache, c.mutations)
	if err != nil {
		return false
	}
	return len(groups) == 1
}

// Commit finalizes the transaction (§4.7 steps 7-8). If PreCommit has not
// already been called, it is run first. A transaction already Committed
// via the 1PC fast path returns immediately.
func (txn *Transaction) Commit(ctx context.Context) error {
	state := txn.State()
	if state == StateCommitted {
		return nil
	}
	if state == StateActive {
		if err := txn.PreCommit(ctx); err != nil {
			return err
		}
		state = txn.State()
		if state == StateCommitted {
			return nil
		}
	}
	if err := txn.requireState(StatePreCommitted, "Commit"); err != nil {
		return err
	}
	if txn.buf.IsEmpty() {
		txn.setState(StateCommitted)
		return nil
	}

	txn.setState(StateCommitting)
	commitTS, err := txn.oracle.GetTimestamp(ctx)
	if err != nil {
		return err
	}

	c := newCommitter(txn.startTS, txn.buf, txn.regionCache, txn.rpcClient, txn.lockResolver)
	bo := retry.NewBackoffer(ctx, 20000)
	if err := c.commitPrimary(bo, commitTS); err != nil {
		txn.ttlManager.stop()
		if errors.Is(err, tikverr.ErrTxnRolledBack) {
			txn.setState(StateRolledBack)
		}
		return err
	}
	c.commitSecondaries(ctx, bo, commitTS)
	txn.ttlManager.stop()

	txn.mu.Lock()
	txn.commitTS = commitTS
	txn.state = StateCommitted
	txn.mu.Unlock()
	logutil.BgLogger().Debug("transaction committed",
		zap.String("traceID", txn.traceID), zap.Uint64("startTS", txn.startTS), zap.Uint64("commitTS", commitTS))
	return nil
}

// Rollback purges any locks this transaction left behind (§4.7's
// RollingBack state). From Active, where nothing has been prewritten yet,
// it only marks the transaction RolledBack. From Init, Committed or
// RolledBack it returns ErrIllegalState.
func (txn *Transaction) Rollback(ctx context.Context) error {
	state := txn.State()
	switch state {
	case StateCommitted, StateRolledBack, StateInit:
		return &tikverr.ErrIllegalState{Op: "Rollback", State: state.String()}
	case StateActive:
		txn.setState(StateRolledBack)
		return nil
	}

	txn.setState(StateRollingBack)
	c := newCommitter(txn.startTS, txn.buf, txn.regionCache, txn.rpcClient, txn.lockResolver)
	bo := retry.NewBackoffer(ctx, 20000)
	if err := c.rollbackAll(ctx, bo); err != nil {
		return err
	}
	txn.ttlManager.stop()
	txn.setState(StateRolledBack)
	logutil.BgLogger().Debug("transaction rolled back", zap.String("traceID", txn.traceID), zap.Uint64("startTS", txn.startTS))
	return nil
}

func (txn *Transaction) setState(s State) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.state = s
}

func (txn *Transaction) requireState(want State, op string) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.state != want {
		return &tikverr.ErrIllegalState{Op: op, State: txn.state.String()}
	}
	return nil
}
