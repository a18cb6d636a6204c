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

// Package transaction implements C3 (Write Buffer), C6 (Parallel
// Executor), C7 (Scan Merger), and C8 (the Transaction Coordinator
// itself) — the in-process state a single Transaction owns exclusively,
// per §5's "single-owner" scheduling model.
package transaction

import (
	"bytes"

	"github.com/google/btree"
)

// MutationType is the closed, three-way tagged union §9's design notes
// call for: Put, PutIfAbsent, Delete. Every consumer (buffer merge, scan
// merge, prewrite marshaling) switches over it exhaustively.
type MutationType int

const (
	// TypePut overwrites whatever was at the key.
	TypePut MutationType = iota
	// TypePutIfAbsent inserts only if the key doesn't already exist,
	// server-side or in an earlier buffered write.
	TypePutIfAbsent
	// TypeDelete marks the key as deleted.
	TypeDelete
)

// bufferEntry is one Write Buffer record (§3 "Write Buffer entry").
type bufferEntry struct {
	key   []byte
	value []byte
	typ   MutationType
}

func (e *bufferEntry) Less(other btree.Item) bool {
	return bytes.Compare(e.key, other.(*bufferEntry).key) < 0
}

// MemBuffer is C3: an in-memory ordered log of a transaction's local
// mutations, keyed by user key. It is owned exclusively by one
// Transaction and is never accessed concurrently (§5).
type MemBuffer struct {
	entries *btree.BTree
	primary []byte // sticky: the first key ever inserted, for the lifetime of the transaction
}

// NewMemBuffer creates an empty Write Buffer.
func NewMemBuffer() *MemBuffer {
	return &MemBuffer{entries: btree.New(32)}
}

// Put inserts or overwrites key, setting its type to Put. A later Put
// always supersedes any earlier entry for the same key, of any type.
func (b *MemBuffer) Put(key, value []byte) {
	b.setPrimary(key)
	b.entries.ReplaceOrInsert(&bufferEntry{key: key, value: value, typ: TypePut})
}

// PutIfAbsent inserts key as PutIfAbsent if it is not already buffered. If
// the key is buffered as Delete, the delete is replaced by this Put (the
// key is "absent" from the buffer's point of view, even though an entry
// exists). If the key is already buffered as Put or PutIfAbsent, this call
// is a no-op — the existing value wins (§4.1).
func (b *MemBuffer) PutIfAbsent(key, value []byte) {
	if existing := b.entries.Get(&bufferEntry{key: key}); existing != nil {
		if existing.(*bufferEntry).typ == TypeDelete {
			b.entries.ReplaceOrInsert(&bufferEntry{key: key, value: value, typ: TypePut})
		}
		return
	}
	b.setPrimary(key)
	b.entries.ReplaceOrInsert(&bufferEntry{key: key, value: value, typ: TypePutIfAbsent})
}

// Delete marks key as deleted regardless of any prior buffered state.
func (b *MemBuffer) Delete(key []byte) {
	b.setPrimary(key)
	b.entries.ReplaceOrInsert(&bufferEntry{key: key, typ: TypeDelete})
}

// Entry is the caller-visible projection of a bufferEntry.
type Entry struct {
	Key   []byte
	Value []byte
	Type  MutationType
}

// Get returns the buffered entry for key, if any.
func (b *MemBuffer) Get(key []byte) (Entry, bool) {
	item := b.entries.Get(&bufferEntry{key: key})
	if item == nil {
		return Entry{}, false
	}
	e := item.(*bufferEntry)
	return Entry{Key: e.key, Value: e.value, Type: e.typ}, true
}

// Range returns the buffered entries with start <= key < end, in key
// order, for the Scan Merger (§4.6) to interleave with server results.
func (b *MemBuffer) Range(start, end []byte) []Entry {
	var out []Entry
	iter := func(item btree.Item) bool {
		e := item.(*bufferEntry)
		if len(end) != 0 && bytes.Compare(e.key, end) >= 0 {
			return false
		}
		out = append(out, Entry{Key: e.key, Value: e.value, Type: e.typ})
		return true
	}
	if len(start) == 0 {
		b.entries.Ascend(iter)
	} else {
		b.entries.AscendGreaterOrEqual(&bufferEntry{key: start}, iter)
	}
	return out
}

// Mutations returns every buffered entry in key order, the input to
// PreCommit's prewrite-mutation construction.
func (b *MemBuffer) Mutations() []Entry {
	return b.Range(nil, nil)
}

// PrimaryKey returns the key chosen to be this transaction's primary lock
// holder: the first key ever buffered, kept stable even if later deleted
// and re-buffered (§3's "implementation must pick deterministically and
// keep it stable for the transaction's lifetime").
func (b *MemBuffer) PrimaryKey() []byte {
	return b.primary
}

// IsEmpty reports whether any mutation has been buffered.
func (b *MemBuffer) IsEmpty() bool {
	return b.entries.Len() == 0
}

// Size returns the number of distinct buffered keys.
func (b *MemBuffer) Size() int {
	return b.entries.Len()
}

func (b *MemBuffer) setPrimary(key []byte) {
	if b.primary == nil {
		b.primary = append([]byte(nil), key...)
	}
}
