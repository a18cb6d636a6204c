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

// NOTE: ttl_manager.go itself was not among the teacher files retrieved
// for this module, so its implementation isn't checkable line-by-line.
// The start/stop contract below is grounded on what IS retrieved: teacher
// prewrite.go's own comment on the 32MB-transaction threshold ("start the
// ttlManager... closed in tikvTxn.Commit()") and config.go's
// TTLManagerThreshold/DefaultLockTTL constants. A large transaction still
// needs its primary lock's TTL extended while prewrite is still fanning
// out across many regions, or a concurrent reader's lock resolver will
// decide it's expired and roll it back out from under it (SPEC_FULL.md
// §11.4, supplementing what spec.md's distillation dropped).

package transaction

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"go.uber.org/zap"

	tikverr "github.com/kvtxn/coordinator/error"
	"github.com/kvtxn/coordinator/internal/client"
	"github.com/kvtxn/coordinator/internal/logutil"
	"github.com/kvtxn/coordinator/internal/retry"
	"github.com/kvtxn/coordinator/tikvrpc"
)

const ttlManagerHeartbeatInterval = 2 * time.Second

// ttlManager keeps a large transaction's primary lock alive by sending
// TxnHeartBeat RPCs on a timer, for as long as a commit attempt is
// in-flight. It is started at most once per transaction and stopped by
// Commit, by Rollback, or by PreCommit when the one-phase commit succeeds;
// stop is idempotent.
type ttlManager struct {
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

func (m *ttlManager) start(c *committer, rpcClient client.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	go m.loop(ctx, c, rpcClient)
}

func (m *ttlManager) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running && m.cancel != nil {
		m.cancel()
		m.running = false
	}
}

func (m *ttlManager) loop(ctx context.Context, c *committer, rpcClient client.Client) {
	ticker := time.NewTicker(ttlManagerHeartbeatInterval)
	defer ticker.Stop()
	ttl := c.lockTTL
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ttl += uint64(ttlManagerHeartbeatInterval / time.Millisecond)
			if err := sendHeartbeat(ctx, c, rpcClient, ttl); err != nil {
				tikverr.Log(err)
				return
			}
		}
	}
}

func sendHeartbeat(ctx context.Context, c *committer, rpcClient client.Client, ttl uint64) error {
	bo := retry.NewBackoffer(ctx, 5000)
	loc, err := c.regionCache.LookupRegionByKey(bo, c.primary)
	if err != nil {
		return err
	}
	req := tikvrpc.NewRequest(tikvrpc.CmdTxnHeartBeat, &kvrpcpb.TxnHeartBeatRequest{
		PrimaryLock:    c.primary,
		StartVersion:   c.startTS,
		AdviseLockTtl:  ttl,
	}, kvrpcpb.Context{})
	req.SetContext(loc.Region.VerID.Id, loc.Region.Epoch(), loc.Region.Leader)

	resp, err := rpcClient.SendRequest(bo.GetCtx(), loc.Region.LeaderAddr, req, client.ReadTimeoutShort)
	if err != nil {
		return err
	}
	if regionErr, _ := resp.GetRegionError(); regionErr != nil {
		logutil.BgLogger().Debug("ttl manager hit region error, will retry next tick", zap.String("region", regionErr.String()))
		return nil
	}
	return nil
}
