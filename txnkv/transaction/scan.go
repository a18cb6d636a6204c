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

// NOTE: scanner.go itself was not among the teacher files retrieved for
// this module. The client-side merge loop below is instead grounded on
// the server-side Scan/ReverseScan pagination retrieved in teacher
// internal/mockstore/mocktikv/mvcc_leveldb.go, adapted to a plain unary
// KvScan pagination loop rather than a coprocessor-fed stream
// (SPEC_FULL.md §11.1): this coordinator never opens a server-push
// stream, it just keeps calling KvScan with an advancing StartKey.

// Package transaction's Scan Merger (C7) interleaves a transaction's own
// buffered mutations with whatever the shard leaders return, so a reader
// sees its own uncommitted writes without the server ever being told about
// them (§4.6).
package transaction

import (
	"bytes"

	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/kvtxn/coordinator/internal/client"
	"github.com/kvtxn/coordinator/internal/locate"
	"github.com/kvtxn/coordinator/internal/retry"
	"github.com/kvtxn/coordinator/tikvrpc"
)

// KV is one row the Scan Merger has decided to surface to the caller.
type KV struct {
	Key   []byte
	Value []byte
}

const scanRPCBatchSize = 256

// serverScanner pulls committed rows from shard leaders in key order,
// paginating across both KvScan RPC pages and region boundaries
// transparently. It is the "remote half" the merge in Scan consults.
type serverScanner struct {
	bo        *retry.Backoffer
	cache     *locate.RegionCache
	rpcClient client.Client
	startTS   uint64
	end       []byte // exclusive; nil means unbounded

	next []KV // buffered page not yet consumed
	idx  int
	at   []byte // next key to resume scanning from
	done bool
}

func newServerScanner(bo *retry.Backoffer, cache *locate.RegionCache, rpcClient client.Client, startTS uint64, start, end []byte) *serverScanner {
	return &serverScanner{bo: bo, cache: cache, rpcClient: rpcClient, startTS: startTS, end: end, at: start}
}

// peek returns the next remote row without consuming it, fetching another
// KvScan page (possibly from the next region) if the current page is
// exhausted. ok is false once the scan has no more rows before s.end.
func (s *serverScanner) peek() (KV, bool, error) {
	for s.idx >= len(s.next) {
		if s.done {
			return KV{}, false, nil
		}
		if err := s.fill(); err != nil {
			return KV{}, false, err
		}
	}
	return s.next[s.idx], true, nil
}

func (s *serverScanner) pop() {
	s.idx++
}

func (s *serverScanner) fill() error {
	loc, err := s.cache.LookupRegionByKey(s.bo, s.at)
	if err != nil {
		return err
	}

	for {
		req := tikvrpc.NewRequest(tikvrpc.CmdScan, &kvrpcpb.ScanRequest{
			Version: s.startTS,
			StartKey: s.at,
			EndKey:   clipEnd(loc.Region.EndKey, s.end),
			Limit:    scanRPCBatchSize,
		}, kvrpcpb.Context{})
		req.SetContext(loc.Region.VerID.Id, loc.Region.Epoch(), loc.Region.Leader)

		resp, err := s.rpcClient.SendRequest(s.bo.GetCtx(), loc.Region.LeaderAddr, req, client.ReadTimeoutMedium)
		if err != nil {
			if boErr := s.bo.Backoff(retry.BoTiKVRPC, err); boErr != nil {
				return boErr
			}
			continue
		}
		if regionErr, _ := resp.GetRegionError(); regionErr != nil {
			if err := s.cache.OnRegionEpochNotMatch(s.bo, loc.Region.VerID, nil); err != nil {
				return err
			}
			refreshed, err := s.cache.LookupRegionByKey(s.bo, s.at)
			if err != nil {
				return err
			}
			loc = refreshed
			continue
		}

		scanResp := resp.Resp.(*kvrpcpb.ScanResponse)
		pairs := scanResp.GetPairs()
		s.next = s.next[:0]
		s.idx = 0
		for _, p := range pairs {
			s.next = append(s.next, KV{Key: p.GetKey(), Value: p.GetValue()})
		}

		switch {
		case len(pairs) == 0 || len(pairs) < scanRPCBatchSize:
			// The region's remaining range (clipped to s.end) is exhausted;
			// advance to the next region unless we've hit the overall bound.
			if len(loc.Region.EndKey) == 0 || (len(s.end) != 0 && bytes.Compare(loc.Region.EndKey, s.end) >= 0) {
				s.done = true
			} else {
				s.at = loc.Region.EndKey
			}
		default:
			s.at = append([]byte(nil), pairs[len(pairs)-1].GetKey()...)
			s.at = append(s.at, 0)
		}
		return nil
	}
}

func clipEnd(regionEnd, scanEnd []byte) []byte {
	if len(regionEnd) == 0 {
		return scanEnd
	}
	if len(scanEnd) == 0 || bytes.Compare(regionEnd, scanEnd) < 0 {
		return regionEnd
	}
	return scanEnd
}

// remoteRows is the half of mergeScan that comes from the server: anything
// that can peek its next committed row and pop it once consumed.
// serverScanner is the production implementation; tests substitute a small
// canned fake instead of driving a live RPC round trip.
type remoteRows interface {
	peek() (KV, bool, error)
	pop()
}

// mergeScan implements §4.6's four-case merge between buffered local
// mutations and the server's committed rows, stopping once limit rows have
// been produced (limit<=0 means unbounded).
func mergeScan(local []Entry, remote remoteRows, limit int) ([]KV, error) {
	var out []KV
	li := 0
	for limit <= 0 || len(out) < limit {
		var lk []byte
		if li < len(local) {
			lk = local[li].Key
		}

		rk, rok, err := remote.peek()
		if err != nil {
			return nil, err
		}

		switch {
		case li >= len(local) && !rok:
			return out, nil

		case li >= len(local):
			out = append(out, rk)
			remote.pop()

		case !rok || bytes.Compare(lk, rk.Key) < 0:
			if local[li].Type != TypeDelete {
				out = append(out, KV{Key: local[li].Key, Value: local[li].Value})
			}
			li++

		case bytes.Equal(lk, rk.Key):
			if local[li].Type != TypeDelete {
				out = append(out, KV{Key: local[li].Key, Value: local[li].Value})
			}
			li++
			remote.pop()

		default: // lk > rk.Key
			out = append(out, rk)
			remote.pop()
		}
	}
	return out, nil
}
