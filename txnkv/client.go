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

// NOTE: txnkv/client.go was not among the teacher files retrieved for
// this module (the path coincides with the teacher's own txnkv/client.go,
// but that file's contents aren't checkable here), so this is built from
// general TiKV client-go knowledge rather than a spot-checkable source:
// one process-wide bundle of non-owning handles (routing cache, time
// oracle, dispatcher, lock resolver) that every Transaction references
// but none of them own, per the coordinator's design note in §9.

// Package txnkv is the coordinator's top-level entry point: Client bundles
// the shared services every Transaction depends on, and Begin creates a
// new Transaction against them.
package txnkv

import (
	"context"

	"github.com/pkg/errors"
	pd "github.com/tikv/pd/client"

	"github.com/kvtxn/coordinator/config"
	"github.com/kvtxn/coordinator/internal/client"
	"github.com/kvtxn/coordinator/internal/locate"
	"github.com/kvtxn/coordinator/oracle"
	"github.com/kvtxn/coordinator/txnkv/transaction"
	"github.com/kvtxn/coordinator/txnkv/txnlock"
)

// Client is the coordinator's top-level handle: one per process, shared by
// every Transaction it creates. None of its fields are owned by any single
// Transaction (§5/§9).
type Client struct {
	pdClient     pd.Client
	regionCache  *locate.RegionCache
	rpcClient    client.Client
	lockResolver *txnlock.LockResolver
	oracle       oracle.Oracle
}

// NewClient dials pdAddrs for cluster metadata and time and builds a
// Client ready to start transactions. security configures the gRPC
// transport's TLS material.
func NewClient(ctx context.Context, pdAddrs []string, security config.Security) (*Client, error) {
	pdClient, err := pd.NewClient(pdAddrs, pd.SecurityOption{
		CAPath:   security.ClusterSSLCA,
		CertPath: security.ClusterSSLCert,
		KeyPath:  security.ClusterSSLKey,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return newClientFromPD(pdClient, security), nil
}

func newClientFromPD(pdClient pd.Client, security config.Security) *Client {
	regionCache := locate.NewRegionCache(pdClient)
	regionCache.SetTTL(config.GetGlobalConfig().RegionCacheTTLSec)
	rpcClient := client.NewRPCClient(client.WithSecurity(security))
	return &Client{
		pdClient:     pdClient,
		regionCache:  regionCache,
		rpcClient:    rpcClient,
		lockResolver: txnlock.NewLockResolver(regionCache, rpcClient),
		oracle:       oracle.NewPDOracle(pdClient),
	}
}

// Begin starts a new Transaction sharing this Client's services, assigning
// it a fresh start_ts from the time oracle (§4.7 step 1).
func (c *Client) Begin(ctx context.Context) (*transaction.Transaction, error) {
	txn := transaction.NewTransaction(c.regionCache, c.rpcClient, c.lockResolver, c.oracle)
	if err := txn.Begin(ctx); err != nil {
		return nil, err
	}
	return txn, nil
}

// Close releases the Client's gRPC connections, PD client, and time oracle.
func (c *Client) Close() error {
	c.oracle.Close()
	if err := c.rpcClient.Close(); err != nil {
		return err
	}
	c.pdClient.Close()
	return nil
}
