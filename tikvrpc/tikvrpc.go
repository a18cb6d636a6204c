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

// Package tikvrpc wraps the kvrpcpb request/response messages named in the
// specification's §6 wire interface with a region-scoped envelope, so the
// dispatcher, routing cache, and lock resolver can all handle "a request to
// a shard" generically instead of switching on concrete proto types.
package tikvrpc

import (
	"reflect"

	"github.com/pingcap/kvproto/pkg/errorpb"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pkg/errors"

	tikverr "github.com/kvtxn/coordinator/error"
)

// CmdType identifies which of the §6 RPCs a Request carries.
type CmdType int

// The RPCs the coordinator issues, per §6.
const (
	CmdGet CmdType = 1 + iota
	CmdBatchGet
	CmdScan
	CmdPrewrite
	CmdCommit
	CmdBatchRollback
	CmdCheckTxnStatus
	CmdPessimisticLock
	CmdPessimisticRollback
	CmdTxnHeartBeat
)

func (t CmdType) String() string {
	switch t {
	case CmdGet:
		return "Get"
	case CmdBatchGet:
		return "BatchGet"
	case CmdScan:
		return "Scan"
	case CmdPrewrite:
		return "Prewrite"
	case CmdCommit:
		return "Commit"
	case CmdBatchRollback:
		return "BatchRollback"
	case CmdCheckTxnStatus:
		return "CheckTxnStatus"
	case CmdPessimisticLock:
		return "PessimisticLock"
	case CmdPessimisticRollback:
		return "PessimisticRollback"
	case CmdTxnHeartBeat:
		return "TxnHeartBeat"
	}
	return "Unknown"
}

// Request is a region-scoped envelope around one of the kvrpcpb request
// messages. RegionId/RegionEpoch/Peer are stamped by the caller through
// SetContext before each send, from whatever region the routing cache
// currently believes owns the request's key(s) — a request refuses to be
// retried against a different region without this being explicitly re-set
// (§4.4).
type Request struct {
	Type        CmdType
	RegionId    uint64
	RegionEpoch *metapb.RegionEpoch
	Peer        *metapb.Peer
	Context     kvrpcpb.Context
	Req         interface{}
}

// NewRequest builds a Request for cmd wrapping req, with ctx as the
// starting Context (SetContext overwrites RegionId/RegionEpoch/Peer once the
// owning region is known).
func NewRequest(cmd CmdType, req interface{}, ctx kvrpcpb.Context) *Request {
	return &Request{Type: cmd, Req: req, Context: ctx}
}

// Response wraps whatever kvrpcpb response message the server returned.
type Response struct {
	Resp interface{}
}

// GetRegionError extracts the embedded region-routing error, if any, from
// whichever concrete response type Resp holds.
func (r *Response) GetRegionError() (*errorpb.Error, error) {
	if r == nil || r.Resp == nil {
		return nil, errors.WithStack(tikverr.ErrBodyMissing)
	}
	switch res := r.Resp.(type) {
	case *kvrpcpb.GetResponse:
		return res.GetRegionError(), nil
	case *kvrpcpb.BatchGetResponse:
		return res.GetRegionError(), nil
	case *kvrpcpb.ScanResponse:
		return res.GetRegionError(), nil
	case *kvrpcpb.PrewriteResponse:
		return res.GetRegionError(), nil
	case *kvrpcpb.CommitResponse:
		return res.GetRegionError(), nil
	case *kvrpcpb.BatchRollbackResponse:
		return res.GetRegionError(), nil
	case *kvrpcpb.CheckTxnStatusResponse:
		return res.GetRegionError(), nil
	case *kvrpcpb.PessimisticLockResponse:
		return res.GetRegionError(), nil
	case *kvrpcpb.PessimisticRollbackResponse:
		return res.GetRegionError(), nil
	case *kvrpcpb.TxnHeartBeatResponse:
		return res.GetRegionError(), nil
	default:
		return nil, errors.Errorf("invalid response type %T", res)
	}
}

// SetContext stamps the current region routing info onto the request's
// embedded kvrpcpb.Context and points the wrapped kvrpcpb request's own
// Context field at it, so the routing info is marshaled onto the wire.
func (req *Request) SetContext(regionID uint64, epoch *metapb.RegionEpoch, peer *metapb.Peer) {
	req.RegionId = regionID
	req.RegionEpoch = epoch
	req.Peer = peer
	req.Context.RegionId = regionID
	req.Context.RegionEpoch = epoch
	req.Context.Peer = peer
	if v := reflect.ValueOf(req.Req); v.Kind() == reflect.Ptr && !v.IsNil() && v.Elem().Kind() == reflect.Struct {
		if f := v.Elem().FieldByName("Context"); f.IsValid() && f.CanSet() && f.Type() == reflect.TypeOf(&req.Context) {
			f.Set(reflect.ValueOf(&req.Context))
		}
	}
}
