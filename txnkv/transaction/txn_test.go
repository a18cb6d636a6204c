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
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tikverr "github.com/kvtxn/coordinator/error"
	"github.com/kvtxn/coordinator/internal/locate"
	"github.com/kvtxn/coordinator/txnkv/txnlock"
)

// harness wires a Transaction against the in-memory fakes: one fake server
// behind fakePD's two regions, a fresh oracle. Every test in this file gets its own, so no state
// leaks between scenarios.
type harness struct {
	store *fakeKVServer
	cache *locate.RegionCache
	rpc   *fakeClient
	lr    *txnlock.LockResolver
	o     *fakeOracle
}

func newHarness() *harness {
	store := newFakeKVServer()
	cache := locate.NewRegionCache(fakePD{})
	rpc := &fakeClient{store: store}
	return &harness{
		store: store,
		cache: cache,
		rpc:   rpc,
		lr:    txnlock.NewLockResolver(cache, rpc),
		o:     &fakeOracle{},
	}
}

func (h *harness) newTxn() *Transaction {
	return NewTransaction(h.cache, h.rpc, h.lr, h.o)
}

func TestTransactionBeginAssignsStartTSAndActivates(t *testing.T) {
	h := newHarness()
	txn := h.newTxn()
	require.NoError(t, txn.Begin(context.Background()))
	assert.Equal(t, StateActive, txn.State())
	assert.NotZero(t, txn.StartTS())
}

func TestPutCommitGetRoundTrip(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	txn := h.newTxn()
	require.NoError(t, txn.Begin(ctx))
	require.NoError(t, txn.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, txn.Put([]byte("k2"), []byte("v2")))
	require.NoError(t, txn.Commit(ctx))
	assert.Equal(t, StateCommitted, txn.State())
	assert.NotZero(t, txn.CommitTS())

	reader := h.newTxn()
	require.NoError(t, reader.Begin(ctx))
	v, err := reader.Get(ctx, []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	v2, err := reader.Get(ctx, []byte("k2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v2)
}

func TestSingleKeyTransactionTakesOnePCFastPath(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	txn := h.newTxn()
	require.NoError(t, txn.Begin(ctx))
	require.NoError(t, txn.Put([]byte("solo"), []byte("v")))
	require.NoError(t, txn.PreCommit(ctx))
	assert.Equal(t, StateCommitted, txn.State(), "a single-key txn should commit via 1PC inside PreCommit")

	require.NoError(t, txn.Commit(ctx), "Commit after an already-1PC-committed PreCommit must be a no-op")
}

func TestGetOnUncommittedKeyReturnsNotFound(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	txn := h.newTxn()
	require.NoError(t, txn.Begin(ctx))
	_, err := txn.Get(ctx, []byte("missing"))
	assert.True(t, tikverr.IsErrNotFound(err))
}

func TestGetPrefersBufferedWriteOverStore(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	writer := h.newTxn()
	require.NoError(t, writer.Begin(ctx))
	require.NoError(t, writer.Put([]byte("k"), []byte("committed")))
	require.NoError(t, writer.Commit(ctx))

	txn := h.newTxn()
	require.NoError(t, txn.Begin(ctx))
	require.NoError(t, txn.Put([]byte("k"), []byte("local")))
	v, err := txn.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("local"), v)
}

func TestBufferedDeleteReadsAsNotFoundWithoutServerRoundTrip(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	writer := h.newTxn()
	require.NoError(t, writer.Begin(ctx))
	require.NoError(t, writer.Put([]byte("k"), []byte("v")))
	require.NoError(t, writer.Commit(ctx))

	txn := h.newTxn()
	require.NoError(t, txn.Begin(ctx))
	require.NoError(t, txn.Delete([]byte("k")))
	_, err := txn.Get(ctx, []byte("k"))
	assert.True(t, tikverr.IsErrNotFound(err))
}

func TestBatchGetServesBufferedAndRemoteKeysTogether(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	writer := h.newTxn()
	require.NoError(t, writer.Begin(ctx))
	require.NoError(t, writer.Put([]byte("remote"), []byte("r")))
	require.NoError(t, writer.Commit(ctx))

	txn := h.newTxn()
	require.NoError(t, txn.Begin(ctx))
	require.NoError(t, txn.Put([]byte("local"), []byte("l")))
	out, err := txn.BatchGet(ctx, [][]byte{[]byte("local"), []byte("remote"), []byte("missing")})
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"local": []byte("l"), "remote": []byte("r")}, out)
}

func TestScanMergesBufferedAndCommittedRows(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	writer := h.newTxn()
	require.NoError(t, writer.Begin(ctx))
	require.NoError(t, writer.Put([]byte("a"), []byte("1")))
	require.NoError(t, writer.Put([]byte("c"), []byte("3")))
	require.NoError(t, writer.Commit(ctx))

	txn := h.newTxn()
	require.NoError(t, txn.Begin(ctx))
	require.NoError(t, txn.Put([]byte("b"), []byte("2")))
	require.NoError(t, txn.Delete([]byte("c")))

	rows, err := txn.Scan(ctx, []byte("a"), []byte("z"), 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []byte("a"), rows[0].Key)
	assert.Equal(t, []byte("b"), rows[1].Key)
}

func TestPutIfAbsentConflictsWithExistingServerValue(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	writer := h.newTxn()
	require.NoError(t, writer.Begin(ctx))
	require.NoError(t, writer.Put([]byte("k"), []byte("v1")))
	require.NoError(t, writer.Commit(ctx))

	txn := h.newTxn()
	require.NoError(t, txn.Begin(ctx))
	require.NoError(t, txn.PutIfAbsent([]byte("k"), []byte("v2")))
	err := txn.Commit(ctx)
	assert.Error(t, err)
}

func TestRollbackOnActiveTransactionIsNoOp(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	txn := h.newTxn()
	require.NoError(t, txn.Begin(ctx))
	require.NoError(t, txn.Put([]byte("k"), []byte("v")))
	require.NoError(t, txn.Rollback(ctx))
	assert.Equal(t, StateRolledBack, txn.State())
}

func TestRollbackAfterPreCommitReleasesLocks(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	// Span both halves of the fake keyspace so PreCommit cannot take the
	// single-region 1PC fast path and must leave real locks behind.
	txn := h.newTxn()
	require.NoError(t, txn.Begin(ctx))
	require.NoError(t, txn.Put([]byte("a_k1"), []byte("v1")))
	require.NoError(t, txn.Put([]byte("z_k2"), []byte("v2")))
	require.NoError(t, txn.PreCommit(ctx))
	require.Equal(t, StatePreCommitted, txn.State())

	require.NoError(t, txn.Rollback(ctx))
	assert.Equal(t, StateRolledBack, txn.State())

	h.store.mu.Lock()
	_, stillLocked := h.store.locks["a_k1"]
	h.store.mu.Unlock()
	assert.False(t, stillLocked, "rollback must release the primary's lock")

	reader := h.newTxn()
	require.NoError(t, reader.Begin(ctx))
	_, err := reader.Get(ctx, []byte("a_k1"))
	assert.True(t, tikverr.IsErrNotFound(err), "a rolled-back write must never become visible")
}

func TestRollbackFromTerminalStatesIsIllegal(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	txn := h.newTxn()
	require.NoError(t, txn.Begin(ctx))
	require.NoError(t, txn.Put([]byte("k"), []byte("v")))
	require.NoError(t, txn.Commit(ctx))

	err := txn.Rollback(ctx)
	assert.Error(t, err)

	fresh := h.newTxn()
	assert.Error(t, fresh.Rollback(ctx), "Rollback before Begin is illegal")
}

func TestCommitBeforeBeginIsIllegal(t *testing.T) {
	h := newHarness()
	txn := h.newTxn()
	err := txn.Commit(context.Background())
	assert.Error(t, err)
}

func TestOperationsAfterCommitAreIllegal(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	txn := h.newTxn()
	require.NoError(t, txn.Begin(ctx))
	require.NoError(t, txn.Put([]byte("k"), []byte("v")))
	require.NoError(t, txn.Commit(ctx))

	assert.Error(t, txn.Put([]byte("k2"), []byte("v2")))
	_, err := txn.Get(ctx, []byte("k"))
	assert.Error(t, err)
}

func TestEmptyTransactionCommitIsNoOp(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	txn := h.newTxn()
	require.NoError(t, txn.Begin(ctx))
	require.NoError(t, txn.Commit(ctx))
	assert.Equal(t, StateCommitted, txn.State())
}

func TestReaderRollsBackExpiredLockAndSeesNotFound(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	// "a_primary" and "z_secondary" fall on opposite sides of the fake
	// keyspace split, so PreCommit must take the real primary/secondary
	// path and leave an externally-resolvable lock instead of 1PC.
	writer := h.newTxn()
	require.NoError(t, writer.Begin(ctx))
	require.NoError(t, writer.Put([]byte("a_primary"), []byte("p")))
	require.NoError(t, writer.Put([]byte("z_secondary"), []byte("s")))
	require.NoError(t, writer.PreCommit(ctx))
	require.Equal(t, StatePreCommitted, writer.State())

	// Simulate the writer crashing after prewrite but before commit: its
	// primary lock is still present and now expired.
	h.store.expireLock([]byte("a_primary"))

	reader := h.newTxn()
	require.NoError(t, reader.Begin(ctx))
	_, err := reader.Get(ctx, []byte("a_primary"))
	assert.True(t, tikverr.IsErrNotFound(err), "the lock resolver should roll the abandoned prewrite back")
}

func TestCommitWriteConflictOnPrimaryRollsTransactionBack(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	// Span both halves of the fake keyspace so PreCommit leaves a real
	// primary lock instead of taking the 1PC fast path, then make the
	// primary's own TxnCommit answer as if some other actor had already
	// decided this transaction was rolled back.
	txn := h.newTxn()
	require.NoError(t, txn.Begin(ctx))
	require.NoError(t, txn.Put([]byte("a_primary"), []byte("v1")))
	require.NoError(t, txn.Put([]byte("z_secondary"), []byte("v2")))
	require.NoError(t, txn.PreCommit(ctx))
	require.Equal(t, StatePreCommitted, txn.State())

	h.store.forceCommitConflict(txn.StartTS())

	err := txn.Commit(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tikverr.ErrTxnRolledBack), "a primary-commit WriteConflict must surface as ErrTxnRolledBack")
	assert.Equal(t, StateRolledBack, txn.State())
}
