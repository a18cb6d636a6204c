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

// Package error enumerates the error kinds the coordinator surfaces to
// callers, per the propagation policy in the specification's error
// handling design.
package error

import (
	"fmt"

	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pkg/errors"

	"github.com/kvtxn/coordinator/internal/logutil"
	"go.uber.org/zap"
)

// ErrBodyMissing is returned when an RPC response carries no payload.
var ErrBodyMissing = errors.New("response body missing")

// ErrTxnRolledBack means the foreign lock resolver (or the primary commit
// itself) decided this transaction was rolled back before it committed.
var ErrTxnRolledBack = errors.New("txn rolled back")

// ErrLockResolverTimeout is returned when the lock resolver cannot reach
// the shard owning a blocking transaction's primary key.
var ErrLockResolverTimeout = errors.New("lock resolver: checking txn status timed out")

// ErrInvalidArgument is returned for scan bounds that are empty or inverted.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrRegionUnavailable wraps a routing-cache miss/stale-epoch failure that
// survived retries.
type ErrRegionUnavailable struct {
	RegionID uint64
	Reason   string
}

func (e *ErrRegionUnavailable) Error() string {
	return fmt.Sprintf("region %d unavailable: %s", e.RegionID, e.Reason)
}

// ErrWriteConflict means our start_ts raced a commit on a key we tried to
// prewrite; the transaction cannot continue.
type ErrWriteConflict struct {
	StartTS    uint64
	ConflictTS uint64
	Key        []byte
}

func (e *ErrWriteConflict) Error() string {
	return fmt.Sprintf("write conflict: startTS=%d conflictTS=%d key=%q", e.StartTS, e.ConflictTS, e.Key)
}

// NewErrWriteConflict builds an ErrWriteConflict, wrapped with a stack
// trace at the point of detection.
func NewErrWriteConflict(startTS, conflictTS uint64, key []byte) error {
	return errors.WithStack(&ErrWriteConflict{StartTS: startTS, ConflictTS: conflictTS, Key: key})
}

// ErrKeyExist is returned when a put_if_absent collides with an existing
// server-side value it did not know about.
type ErrKeyExist struct {
	Key []byte
}

func (e *ErrKeyExist) Error() string {
	return fmt.Sprintf("key already exists: %q", e.Key)
}

// ErrLockConflict is returned by PreCommit once the backoff budget for
// waiting out a lock is exhausted and the blocking transaction is still
// live.
type ErrLockConflict struct {
	Lock *kvrpcpb.LockInfo
}

func (e *ErrLockConflict) Error() string {
	return fmt.Sprintf("lock conflict on key %q held by start_ts=%d", e.Lock.GetKey(), e.Lock.GetLockVersion())
}

// ErrIllegalState is returned when a caller invokes an operation that is
// forbidden from the transaction's current state.
type ErrIllegalState struct {
	Op    string
	State string
}

func (e *ErrIllegalState) Error() string {
	return fmt.Sprintf("illegal state: cannot %s from state %s", e.Op, e.State)
}

// ErrNotFound signals a missing key. It is not a transaction failure.
var ErrNotFound = errors.New("key not found")

// ErrTxnNotFound is fatal: the server lost our primary lock during commit,
// which indicates data corruption or an administrative rollback.
type ErrTxnNotFound struct {
	StartTS    uint64
	PrimaryKey []byte
}

func (e *ErrTxnNotFound) Error() string {
	return fmt.Sprintf("primary txn not found at commit: startTS=%d primary=%q", e.StartTS, e.PrimaryKey)
}

// IsErrNotFound reports whether err is (or wraps) ErrNotFound.
func IsErrNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Log fires-and-forgets a best-effort failure: it is only ever used for
// errors the specification says must never be surfaced (post-primary-commit
// secondary cleanup, closing already-broken connections, ...).
func Log(err error) {
	if err != nil {
		logutil.BgLogger().Warn("encountered error and ignored it", zap.Error(err))
	}
}
