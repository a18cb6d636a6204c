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
	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/kvtxn/coordinator/internal/locate"
	"github.com/kvtxn/coordinator/internal/retry"
)

// toMutationProto converts a buffered entry into the wire Mutation the
// Prewrite RPC carries. PutIfAbsent has no dedicated Op on the wire: it is
// a Put guarded by an Assertion_NotExist, which makes the server reject it
// with AlreadyExist if another writer's value is already visible — this
// is how the teacher's own buildPrewriteRequest derives assertions.
func toMutationProto(e Entry) *kvrpcpb.Mutation {
	switch e.Type {
	case TypeDelete:
		return &kvrpcpb.Mutation{Op: kvrpcpb.Op_Del, Key: e.Key}
	case TypePutIfAbsent:
		return &kvrpcpb.Mutation{Op: kvrpcpb.Op_Put, Key: e.Key, Value: e.Value, Assertion: kvrpcpb.Assertion_NotExist}
	default:
		return &kvrpcpb.Mutation{Op: kvrpcpb.Op_Put, Key: e.Key, Value: e.Value, Assertion: kvrpcpb.Assertion_None}
	}
}

// regionBatch is one shard's worth of mutations, the unit the
// committer's parallel fan-out iterates over.
type regionBatch struct {
	region    *locate.Region
	mutations []Entry
	isPrimary bool
}

// groupByRegion partitions entries by the region each key currently
// resolves to (§4.7 step 5's "group remaining mutations by shard").
func groupByRegion(bo *retry.Backoffer, cache *locate.RegionCache, entries []Entry) (map[locate.RegionVerID]*regionBatch, error) {
	groups := make(map[locate.RegionVerID]*regionBatch)
	for _, e := range entries {
		loc, err := cache.LookupRegionByKey(bo, e.Key)
		if err != nil {
			return nil, err
		}
		g, ok := groups[loc.Region.VerID]
		if !ok {
			g = &regionBatch{region: loc.Region}
			groups[loc.Region.VerID] = g
		}
		g.mutations = append(g.mutations, e)
	}
	return groups, nil
}

// chunkEntries splits entries into groups of at most maxBatch, preserving
// order. The prewrite, commit and rollback paths do not call it; each sends
// a region's whole batch in one RPC.
func chunkEntries(entries []Entry, maxBatch int) [][]Entry {
	if maxBatch <= 0 || len(entries) <= maxBatch {
		return [][]Entry{entries}
	}
	var chunks [][]Entry
	for start := 0; start < len(entries); start += maxBatch {
		end := start + maxBatch
		if end > len(entries) {
			end = len(entries)
		}
		chunks = append(chunks, entries[start:end])
	}
	return chunks
}

// chunkKeys splits a key slice the same way, for requests that carry bare
// keys instead of full mutations; like chunkEntries, nothing outside the
// tests calls it.
func chunkKeys(keys [][]byte, maxBatch int) [][][]byte {
	if maxBatch <= 0 || len(keys) <= maxBatch {
		return [][][]byte{keys}
	}
	var chunks [][][]byte
	for start := 0; start < len(keys); start += maxBatch {
		end := start + maxBatch
		if end > len(keys) {
			end = len(keys)
		}
		chunks = append(chunks, keys[start:end])
	}
	return chunks
}
