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

// Package config holds the coordinator's process-wide configuration knobs
// (§6 "Configuration knobs") plus the transport knobs the RPC dispatcher
// and routing cache read at connection-setup time.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

// TxnClient holds the transaction-coordinator knobs named in the
// specification's §6 configuration table.
type TxnClient struct {
	// MaxRetry is the per-sub-task retry bound for lock conflicts. Default 3.
	// The retry loops do not read it: each is bounded by its Backoffer's
	// total sleep budget instead.
	MaxRetry int
	// OpDelayMs is the fixed sleep between retries. Default 100. The retry
	// loops do not read it: they sleep on the per-error-kind, jittered
	// exponential curves in internal/retry.
	OpDelayMs int
	// MaxBatchCount is the mutation/key bound per shard RPC. Default 1024.
	// Prewrite, commit and rollback do not read it: each sends a region's
	// whole batch of mutations or keys in one RPC.
	MaxBatchCount int
	// DefaultLockTTL is the prewrite lock expiry used when no heartbeat
	// manager is running. See SPEC_FULL.md §11.4 on the ttlManager.
	DefaultLockTTL uint64
	// TTLManagerThreshold is the buffered mutation count above which a
	// heartbeat goroutine starts extending the primary lock's TTL.
	TTLManagerThreshold int
	// GrpcConnectionCount is the number of gRPC connections per store.
	GrpcConnectionCount uint
	// GrpcKeepAliveTime/Timeout configure the gRPC keepalive ping.
	GrpcKeepAliveTime    uint
	GrpcKeepAliveTimeout uint
	// MaxBatchSize is not read by the dispatcher, which always issues one
	// unary RPC per request.
	MaxBatchSize uint
}

// Security holds TLS material for gRPC connections to shards.
type Security struct {
	ClusterSSLCA   string
	ClusterSSLCert string
	ClusterSSLKey  string
}

// ToTLSConfig builds a *tls.Config from the configured certificate paths.
func (s Security) ToTLSConfig() (*tls.Config, error) {
	if len(s.ClusterSSLCA) == 0 {
		return nil, nil
	}
	caData, err := ioutil.ReadFile(s.ClusterSSLCA)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, errors.New("failed to append CA certificate")
	}
	tlsCfg := &tls.Config{RootCAs: pool}
	if len(s.ClusterSSLCert) != 0 && len(s.ClusterSSLKey) != 0 {
		cert, err := tls.LoadX509KeyPair(s.ClusterSSLCert, s.ClusterSSLKey)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// Config is the coordinator's top-level global configuration.
type Config struct {
	TiKVClient        TxnClient
	Security          Security
	RegionCacheTTLSec int64
	OpenTracingEnable bool
}

// DefaultConfig returns the configuration the coordinator boots with,
// mirroring the defaults named in §6.
func DefaultConfig() Config {
	return Config{
		TiKVClient: TxnClient{
			MaxRetry:             3,
			OpDelayMs:            100,
			MaxBatchCount:        1024,
			DefaultLockTTL:       3000,
			TTLManagerThreshold:  32 * 1024 * 1024,
			GrpcConnectionCount:  4,
			GrpcKeepAliveTime:    10,
			GrpcKeepAliveTimeout: 3,
		},
		RegionCacheTTLSec: 600,
	}
}

var global unsafe.Pointer

func init() {
	cfg := DefaultConfig()
	atomic.StorePointer(&global, unsafe.Pointer(&cfg))
}

// GetGlobalConfig returns the process-wide configuration snapshot.
func GetGlobalConfig() *Config {
	return (*Config)(atomic.LoadPointer(&global))
}

// UpdateGlobal swaps in a new process-wide configuration.
func UpdateGlobal(cfg Config) {
	atomic.StorePointer(&global, unsafe.Pointer(&cfg))
}
