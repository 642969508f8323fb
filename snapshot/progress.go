// Copyright 2024 The ethcore authors.
// This file is part of the ethcore library.

package snapshot

import "sync/atomic"

// Progress tracks the counters a snapshot production run advances: accounts
// visited, blocks written and bytes fed, plus an abort flag polled by the
// chunking loop. Every field is an atomic so a status reader never contends
// with the producer.
//
// Callers get one canonical read path, Snapshot, instead of three
// independent getters, the way go-ethereum's eth/downloader.Progress
// aggregates several atomics into a single struct.
type Progress struct {
	accounts uint64
	blocks   uint64
	bytes    uint64
	abort    int32
}

// ProgressSnapshot is a point-in-time read of Progress.
type ProgressSnapshot struct {
	Accounts uint64
	Blocks   uint64
	Bytes    uint64
}

// AddAccounts adds n to the visited-account counter.
func (p *Progress) AddAccounts(n uint64) { atomic.AddUint64(&p.accounts, n) }

// AddBlocks adds n to the written-block counter.
func (p *Progress) AddBlocks(n uint64) { atomic.AddUint64(&p.blocks, n) }

// AddBytes adds n to the fed-byte counter.
func (p *Progress) AddBytes(n uint64) { atomic.AddUint64(&p.bytes, n) }

// Abort requests that any in-flight production loop stop at its next poll.
func (p *Progress) Abort() { atomic.StoreInt32(&p.abort, 1) }

// Aborted reports whether Abort has been called.
func (p *Progress) Aborted() bool { return atomic.LoadInt32(&p.abort) != 0 }

// reset clears every counter and the abort flag, called at the start of a
// new production run.
func (p *Progress) reset() {
	atomic.StoreUint64(&p.accounts, 0)
	atomic.StoreUint64(&p.blocks, 0)
	atomic.StoreUint64(&p.bytes, 0)
	atomic.StoreInt32(&p.abort, 0)
}

// Snapshot returns a consistent-enough point-in-time read of all three
// counters for status reporting.
func (p *Progress) Snapshot() ProgressSnapshot {
	return ProgressSnapshot{
		Accounts: atomic.LoadUint64(&p.accounts),
		Blocks:   atomic.LoadUint64(&p.blocks),
		Bytes:    atomic.LoadUint64(&p.bytes),
	}
}
