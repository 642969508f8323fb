// Copyright 2024 The ethcore authors.
// This file is part of the ethcore library.

package journaldb

import (
	"github.com/ethereum/go-ethereum/common"
)

// txOp is a single key's staged net effect in the transaction overlay: a
// positive count means the key is readable with value, a non-positive count
// means it has been removed at least as many times as it was inserted.
type txOp struct {
	value []byte
	count int32
}

// txOverlay is the per-session staging area for insert/remove/emplace calls
// between one journal_under and the next.
type txOverlay struct {
	ops map[common.Hash]*txOp
}

func newTxOverlay() *txOverlay {
	return &txOverlay{ops: make(map[common.Hash]*txOp)}
}

func (t *txOverlay) insert(key common.Hash, value []byte) {
	op, ok := t.ops[key]
	if !ok {
		op = &txOp{}
		t.ops[key] = op
	}
	op.value = value
	op.count++
}

func (t *txOverlay) remove(key common.Hash) {
	op, ok := t.ops[key]
	if !ok {
		op = &txOp{}
		t.ops[key] = op
	}
	op.count--
}

// get returns the value and whether it is positively referenced, i.e.
// readable per I1.
func (t *txOverlay) get(key common.Hash) ([]byte, bool) {
	op, ok := t.ops[key]
	if !ok || op.count <= 0 {
		return nil, false
	}
	return op.value, true
}

// drain empties the overlay and returns its contents, handing ownership of
// every staged op to the caller.
func (t *txOverlay) drain() map[common.Hash]*txOp {
	ops := t.ops
	t.ops = make(map[common.Hash]*txOp)
	return ops
}

// refcountStore is the history overlay: every key inserted during the
// retained window, reference counted across however many still-live era
// records mention it.
type refcountStore struct {
	entries map[common.Hash]*refEntry
}

type refEntry struct {
	value []byte
	count int32
}

func newRefcountStore() *refcountStore {
	return &refcountStore{entries: make(map[common.Hash]*refEntry)}
}

// emplace records one more live reference to key, overwriting the cached
// value (all references to the same content-addressed key carry the same
// value, so last-write is as good as first).
func (s *refcountStore) emplace(key common.Hash, value []byte) {
	e, ok := s.entries[key]
	if !ok {
		e = &refEntry{}
		s.entries[key] = e
	}
	e.value = value
	e.count++
}

func (s *refcountStore) contains(key common.Hash) bool {
	_, ok := s.entries[key]
	return ok
}

func (s *refcountStore) get(key common.Hash) ([]byte, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// removeOne drops one reference to key. When the count reaches zero the
// entry is purged and its value returned alongside purged=true, so the
// caller can subtract its length from cumulative_size.
func (s *refcountStore) removeOne(key common.Hash) (value []byte, purged bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	e.count--
	if e.count > 0 {
		return nil, false
	}
	delete(s.entries, key)
	return e.value, true
}

// journalEntry is one commit's worth of insertions/deletions recorded at a
// given era, identified by its commit id.
type journalEntry struct {
	id         common.Hash
	insertions []common.Hash
	deletions  []common.Hash
}

// journalOverlay is the in-memory reconstruction of everything on disk
// within the retained history window: the reference-counted backing
// overlay, a pending cache of values en route to the backing store, the
// per-era journal, and the era bookkeeping pointers.
type journalOverlay struct {
	backingOverlay *refcountStore
	pendingOverlay map[common.Hash][]byte
	journal        map[uint64][]journalEntry
	latestEra      *uint64
	earliestEra    *uint64
	cumulativeSize uint64
}

func newJournalOverlay() *journalOverlay {
	return &journalOverlay{
		backingOverlay: newRefcountStore(),
		pendingOverlay: make(map[common.Hash][]byte),
		journal:        make(map[uint64][]journalEntry),
	}
}
