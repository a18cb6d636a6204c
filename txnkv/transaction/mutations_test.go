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
	"testing"

	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/stretchr/testify/assert"
)

func TestToMutationProtoPut(t *testing.T) {
	m := toMutationProto(Entry{Key: []byte("k"), Value: []byte("v"), Type: TypePut})
	assert.Equal(t, kvrpcpb.Op_Put, m.Op)
	assert.Equal(t, kvrpcpb.Assertion_None, m.Assertion)
	assert.Equal(t, []byte("v"), m.Value)
}

func TestToMutationProtoPutIfAbsentAssertsNotExist(t *testing.T) {
	m := toMutationProto(Entry{Key: []byte("k"), Value: []byte("v"), Type: TypePutIfAbsent})
	assert.Equal(t, kvrpcpb.Op_Put, m.Op)
	assert.Equal(t, kvrpcpb.Assertion_NotExist, m.Assertion)
}

func TestToMutationProtoDelete(t *testing.T) {
	m := toMutationProto(Entry{Key: []byte("k"), Type: TypeDelete})
	assert.Equal(t, kvrpcpb.Op_Del, m.Op)
}

func TestChunkEntriesSplitsAtMaxBatch(t *testing.T) {
	entries := make([]Entry, 5)
	for i := range entries {
		entries[i] = Entry{Key: []byte{byte(i)}}
	}
	chunks := chunkEntries(entries, 2)
	require := assert.New(t)
	require.Len(chunks, 3)
	require.Len(chunks[0], 2)
	require.Len(chunks[1], 2)
	require.Len(chunks[2], 1)
}

func TestChunkEntriesNoSplitWhenUnderLimit(t *testing.T) {
	entries := []Entry{{Key: []byte("a")}, {Key: []byte("b")}}
	chunks := chunkEntries(entries, 10)
	assert.Len(t, chunks, 1)
	assert.Len(t, chunks[0], 2)
}

func TestChunkKeysSplitsAtMaxBatch(t *testing.T) {
	keys := [][]byte{{1}, {2}, {3}, {4}, {5}}
	chunks := chunkKeys(keys, 2)
	assert.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 2)
	assert.Len(t, chunks[2], 1)
}
