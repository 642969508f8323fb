// Copyright 2024 The ethcore authors.
// This file is part of the ethcore library.

package downloader

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	mapset "github.com/deckarep/golang-set/v2"
)

// itemState is the per-hash block membership state: a key is in exactly one
// of the states {Unknown, DownloadingHeader, HaveHeader, DownloadingBody,
// Complete, InChain, Bad}.
type itemState int

const (
	stateUnknown itemState = iota
	stateDownloadingHeader
	stateHaveHeader
	stateDownloadingBody
	stateComplete
	stateInChain
	stateBad
)

// item is the downloader's bookkeeping record for a single block identified
// by hash, tracking which parts have arrived.
type item struct {
	hash     common.Hash
	number   uint64
	state    itemState
	header   *types.Header
	body     *types.Body
	receipts types.Receipts

	wantReceipts bool // set for the OldBlocks set used in ancient-block backfill
}

// queue holds the three needed-* sets keyed by hash (needed headers, needed
// bodies, needed receipts) plus the items they resolve into.
type queue struct {
	mu sync.Mutex

	items map[common.Hash]*item

	neededHeaders  mapset.Set[common.Hash]
	neededBodies   mapset.Set[common.Hash]
	neededReceipts mapset.Set[common.Hash]

	// order is the total import order blocks must be delivered in: the
	// sequence of hashes as discovered by the ChainHead/Blocks planner.
	order []common.Hash
	// cursor is the index into order of the next block awaiting import.
	cursor int
}

func newQueue() *queue {
	return &queue{
		items:          make(map[common.Hash]*item),
		neededHeaders:  mapset.NewSet[common.Hash](),
		neededBodies:   mapset.NewSet[common.Hash](),
		neededReceipts: mapset.NewSet[common.Hash](),
	}
}

// reset clears all queue state, used when the downloader resets to Idle.
func (q *queue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make(map[common.Hash]*item)
	q.neededHeaders = mapset.NewSet[common.Hash]()
	q.neededBodies = mapset.NewSet[common.Hash]()
	q.neededReceipts = mapset.NewSet[common.Hash]()
	q.order = nil
	q.cursor = 0
}

// scheduleHeader registers hash/number as needing a header, appending it to
// the total import order.
func (q *queue) scheduleHeader(hash common.Hash, number uint64, wantReceipts bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[hash]; ok {
		return
	}
	q.items[hash] = &item{hash: hash, number: number, state: stateUnknown, wantReceipts: wantReceipts}
	q.neededHeaders.Add(hash)
	q.order = append(q.order, hash)
}

// deliverHeader resolves a needed header, advancing the item to HaveHeader
// and registering it as needing a body (and, if the OldBlocks set requires
// it, receipts).
func (q *queue) deliverHeader(header *types.Header) {
	hash := header.Hash()
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[hash]
	if !ok {
		return
	}
	it.header = header
	it.state = stateHaveHeader
	q.neededHeaders.Remove(hash)
	q.neededBodies.Add(hash)
	if it.wantReceipts {
		q.neededReceipts.Add(hash)
	}
}

// deliverBody resolves a needed body. If the item does not also need
// receipts, it is now Complete and ready for import.
func (q *queue) deliverBody(hash common.Hash, body *types.Body) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[hash]
	if !ok || it.state != stateHaveHeader {
		return
	}
	it.body = body
	q.neededBodies.Remove(hash)
	if !it.wantReceipts {
		it.state = stateComplete
	} else {
		it.state = stateDownloadingBody
	}
}

// deliverReceipts resolves a needed receipt set, completing assembly once
// the body has also arrived.
func (q *queue) deliverReceipts(hash common.Hash, receipts types.Receipts) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[hash]
	if !ok {
		return
	}
	it.receipts = receipts
	q.neededReceipts.Remove(hash)
	if it.body != nil {
		it.state = stateComplete
	}
}

// pendingHeaders returns up to limit hashes still needing headers.
func (q *queue) pendingHeaders(limit int) []common.Hash {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]common.Hash, 0, limit)
	for _, hash := range q.order {
		if len(out) >= limit {
			break
		}
		if q.neededHeaders.Contains(hash) {
			out = append(out, hash)
		}
	}
	return out
}

// pendingBodies returns up to limit hashes still needing bodies.
func (q *queue) pendingBodies(limit int) []common.Hash {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]common.Hash, 0, limit)
	for _, hash := range q.order {
		if len(out) >= limit {
			break
		}
		if q.neededBodies.Contains(hash) {
			out = append(out, hash)
		}
	}
	return out
}

// pendingReceipts returns up to limit hashes still needing receipts.
func (q *queue) pendingReceipts(limit int) []common.Hash {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]common.Hash, 0, limit)
	for _, hash := range q.order {
		if len(out) >= limit {
			break
		}
		if q.neededReceipts.Contains(hash) {
			out = append(out, hash)
		}
	}
	return out
}

// drainComplete returns, in import order starting at the cursor, the
// maximal run of Complete items -- stopping at the first gap, since
// assembled blocks must be imported in order.
func (q *queue) drainComplete() []*item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*item
	for q.cursor < len(q.order) {
		it := q.items[q.order[q.cursor]]
		if it.state != stateComplete && it.state != stateInChain && it.state != stateBad {
			break
		}
		out = append(out, it)
		q.cursor++
	}
	return out
}

// markInChain / markBad record the outcome of an import attempt.
func (q *queue) markInChain(hash common.Hash) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.items[hash]; ok {
		it.state = stateInChain
	}
}

func (q *queue) markBad(hash common.Hash) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.items[hash]; ok {
		it.state = stateBad
	}
}

// empty reports whether every scheduled item has reached a terminal state.
func (q *queue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cursor >= len(q.order)
}
