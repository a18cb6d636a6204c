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

// NOTE: The code in this file is based on code from the TiKV client-go
// project's internal/client/client.go, trimmed down to the unary
// transactional KV calls the coordinator's specification (§6) names.
// The coprocessor/MPP/batch-cop streaming paths of the original belong to
// the analytics engine built on top of this client and are out of scope.

// Package client implements C4, the RPC Dispatcher: it owns gRPC
// connections to shard leaders and exposes one entry point, SendRequest,
// that the rest of the coordinator uses without touching gRPC stubs.
package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	grpc_opentracing "github.com/grpc-ecosystem/go-grpc-middleware/tracing/opentracing"
	"github.com/opentracing/opentracing-go"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pingcap/kvproto/pkg/tikvpb"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/kvtxn/coordinator/config"
	tikverr "github.com/kvtxn/coordinator/error"
	"github.com/kvtxn/coordinator/internal/logutil"
	"github.com/kvtxn/coordinator/metrics"
	"github.com/kvtxn/coordinator/tikvrpc"
)

// Timeout durations, matching the teacher's naming and defaults.
const (
	dialTimeout = 5 * time.Second
	// ReadTimeoutShort covers TxnGet/BatchGet/Prewrite/Commit/Rollback/CheckTxnStatus.
	ReadTimeoutShort = 30 * time.Second
	// ReadTimeoutMedium covers TxnScan, which may need to re-scan a region.
	ReadTimeoutMedium = 60 * time.Second
)

// Client is what C8/C5 depend on to actually talk to a shard. It should
// not be used after Close().
type Client interface {
	Close() error
	CloseAddr(addr string) error
	SendRequest(ctx context.Context, addr string, req *tikvrpc.Request, timeout time.Duration) (*tikvrpc.Response, error)
}

type connArray struct {
	target string
	index  uint32
	v      []*grpc.ClientConn
}

func newConnArray(size uint, addr string, security config.Security, dialTimeout time.Duration) (*connArray, error) {
	a := &connArray{target: addr, v: make([]*grpc.ClientConn, size)}
	if err := a.init(addr, security, dialTimeout); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *connArray) init(addr string, security config.Security, dialTimeout time.Duration) error {
	opt := grpc.WithTransportCredentials(insecure.NewCredentials())
	if len(security.ClusterSSLCA) != 0 {
		tlsConfig, err := security.ToTLSConfig()
		if err != nil {
			return errors.WithStack(err)
		}
		if tlsConfig != nil {
			opt = grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig))
		}
	}

	cfg := config.GetGlobalConfig()
	var unaryInterceptor grpc.UnaryClientInterceptor
	var streamInterceptor grpc.StreamClientInterceptor
	if cfg.OpenTracingEnable {
		unaryInterceptor = grpc_opentracing.UnaryClientInterceptor()
		streamInterceptor = grpc_opentracing.StreamClientInterceptor()
	}

	for i := range a.v {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		conn, err := grpc.DialContext(
			ctx, addr, opt,
			grpc.WithUnaryInterceptor(unaryInterceptor),
			grpc.WithStreamInterceptor(streamInterceptor),
			grpc.WithConnectParams(grpc.ConnectParams{
				Backoff:           backoff.Config{BaseDelay: 100 * time.Millisecond, Multiplier: 1.6, Jitter: 0.2, MaxDelay: 3 * time.Second},
				MinConnectTimeout: dialTimeout,
			}),
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                time.Duration(cfg.TiKVClient.GrpcKeepAliveTime) * time.Second,
				Timeout:             time.Duration(cfg.TiKVClient.GrpcKeepAliveTimeout) * time.Second,
				PermitWithoutStream: true,
			}),
		)
		cancel()
		if err != nil {
			a.close()
			return errors.WithStack(err)
		}
		a.v[i] = conn
	}
	return nil
}

func (a *connArray) get() *grpc.ClientConn {
	next := atomic.AddUint32(&a.index, 1) % uint32(len(a.v))
	return a.v[next]
}

func (a *connArray) close() {
	for _, c := range a.v {
		if c != nil {
			tikverr.Log(c.Close())
		}
	}
}

// Opt configures an RPCClient.
type Opt func(*RPCClient)

// WithSecurity sets the TLS security config used for new connections.
func WithSecurity(security config.Security) Opt {
	return func(c *RPCClient) { c.security = security }
}

// RPCClient is the production Client, dialing gRPC connections to shard
// leaders and driving tikvpb.TikvClient's unary transactional KV RPCs.
type RPCClient struct {
	sync.RWMutex
	conns        map[string]*connArray
	security     config.Security
	dialTimeout  time.Duration
	connsPerAddr uint
	isClosed     bool
}

// NewRPCClient creates a dispatcher with no open connections yet; they are
// opened lazily on first use of an address.
func NewRPCClient(opts ...Opt) *RPCClient {
	c := &RPCClient{
		conns:        make(map[string]*connArray),
		dialTimeout:  dialTimeout,
		connsPerAddr: config.GetGlobalConfig().TiKVClient.GrpcConnectionCount,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.connsPerAddr == 0 {
		c.connsPerAddr = 1
	}
	return c
}

func (c *RPCClient) getConnArray(addr string) (*connArray, error) {
	c.RLock()
	if c.isClosed {
		c.RUnlock()
		return nil, errors.New("rpc client is closed")
	}
	array, ok := c.conns[addr]
	c.RUnlock()
	if ok {
		return array, nil
	}
	return c.createConnArray(addr)
}

func (c *RPCClient) createConnArray(addr string) (*connArray, error) {
	c.Lock()
	defer c.Unlock()
	if array, ok := c.conns[addr]; ok {
		return array, nil
	}
	array, err := newConnArray(c.connsPerAddr, addr, c.security, c.dialTimeout)
	if err != nil {
		return nil, err
	}
	c.conns[addr] = array
	return array, nil
}

// SendRequest dispatches req to addr and returns the unwrapped response.
// It is a single attempt — retry-on-transient-error and retry-on-stale-
// epoch live one level up, in the committer/get/scan code, which is where
// the routing cache refresh needs to happen between attempts (§4.4).
func (c *RPCClient) SendRequest(ctx context.Context, addr string, req *tikvrpc.Request, timeout time.Duration) (*tikvrpc.Response, error) {
	if parent := opentracing.SpanFromContext(ctx); parent != nil && parent.Tracer() != nil {
		span := parent.Tracer().StartSpan("rpcClient.SendRequest:"+req.Type.String(), opentracing.ChildOf(parent.Context()))
		defer span.Finish()
		ctx = opentracing.ContextWithSpan(ctx, span)
	}

	array, err := c.getConnArray(addr)
	if err != nil {
		return nil, err
	}
	conn := array.get()
	if state := conn.GetState(); state == connectivity.TransientFailure {
		metrics.TiKVGRPCConnTransientFailureCounter.WithLabelValues(addr).Inc()
	}

	start := time.Now()
	defer func() { metrics.TiKVSendReqHistogram.WithLabelValues(req.Type.String(), addr).Observe(time.Since(start).Seconds()) }()

	ctx1, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := tikvpb.NewTikvClient(conn)
	resp, err := dispatch(ctx1, client, req)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &tikvrpc.Response{Resp: resp}, nil
}

func dispatch(ctx context.Context, client tikvpb.TikvClient, req *tikvrpc.Request) (interface{}, error) {
	switch req.Type {
	case tikvrpc.CmdGet:
		return client.KvGet(ctx, req.Req.(*kvrpcpb.GetRequest))
	case tikvrpc.CmdBatchGet:
		return client.KvBatchGet(ctx, req.Req.(*kvrpcpb.BatchGetRequest))
	case tikvrpc.CmdScan:
		return client.KvScan(ctx, req.Req.(*kvrpcpb.ScanRequest))
	case tikvrpc.CmdPrewrite:
		return client.KvPrewrite(ctx, req.Req.(*kvrpcpb.PrewriteRequest))
	case tikvrpc.CmdCommit:
		return client.KvCommit(ctx, req.Req.(*kvrpcpb.CommitRequest))
	case tikvrpc.CmdBatchRollback:
		return client.KvBatchRollback(ctx, req.Req.(*kvrpcpb.BatchRollbackRequest))
	case tikvrpc.CmdCheckTxnStatus:
		return client.KvCheckTxnStatus(ctx, req.Req.(*kvrpcpb.CheckTxnStatusRequest))
	case tikvrpc.CmdPessimisticLock:
		return client.KvPessimisticLock(ctx, req.Req.(*kvrpcpb.PessimisticLockRequest))
	case tikvrpc.CmdPessimisticRollback:
		return client.KvPessimisticRollback(ctx, req.Req.(*kvrpcpb.PessimisticRollbackRequest))
	case tikvrpc.CmdTxnHeartBeat:
		return client.KvTxnHeartBeat(ctx, req.Req.(*kvrpcpb.TxnHeartBeatRequest))
	default:
		return nil, errors.Errorf("unsupported request type %v", req.Type)
	}
}

// Close closes every open connection.
func (c *RPCClient) Close() error {
	c.Lock()
	defer c.Unlock()
	if !c.isClosed {
		c.isClosed = true
		for _, array := range c.conns {
			array.close()
		}
	}
	return nil
}

// CloseAddr closes the connections to addr, e.g. after a leader-change
// leaves a stale connection behind; the next SendRequest redials.
func (c *RPCClient) CloseAddr(addr string) error {
	c.Lock()
	conn, ok := c.conns[addr]
	if ok {
		delete(c.conns, addr)
		logutil.BgLogger().Debug("close connection", zap.String("target", addr))
	}
	c.Unlock()
	if conn != nil {
		conn.close()
	}
	return nil
}
