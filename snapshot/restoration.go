// Copyright 2024 The ethcore authors.
// This file is part of the ethcore library.

package snapshot

import (
	"github.com/ethereum/go-ethereum/common"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/parity-go/ethcore/chainerr"
	"github.com/parity-go/ethcore/consensus"
)

// StateRebuilder consumes decompressed state chunks and produces a state
// trie. This package only drives its feed/finalize protocol; the trie
// construction itself is a collaborator's responsibility.
type StateRebuilder interface {
	// Feed processes one decompressed state chunk.
	Feed(chunk []byte) error
	// StateRoot returns the root produced so far.
	StateRoot() common.Hash
	// Finalize does any end-of-restoration bookkeeping (e.g. missing-code
	// checks) once every state chunk has been fed.
	Finalize(blockNumber uint64, blockHash common.Hash) error
}

// BlockRebuilder consumes decompressed block chunks and reassembles the
// block chain's ancient history.
type BlockRebuilder interface {
	// Feed processes one decompressed block chunk.
	Feed(chunk []byte, engine consensus.Engine) error
	// Finalize connects out-of-order chunks and verifies chain integrity.
	Finalize() error
}

// RestorationParams bundles everything needed to start a Restoration.
type RestorationParams struct {
	Manifest ManifestData
	State    StateRebuilder
	Blocks   BlockRebuilder
	Writer   *looseWriter // non-nil when recover is requested
	Guard    *dirGuard
	Engine   consensus.Engine
	MaxChunk int
}

// Restoration drives a single in-progress snapshot restore: which chunks
// are still outstanding, the state and block sub-rebuilders, and the
// optional recovery writer that persists fed chunks to restoration/temp/.
type Restoration struct {
	manifest       ManifestData
	stateChunksLeft mapset.Set[common.Hash]
	blockChunksLeft mapset.Set[common.Hash]
	state           StateRebuilder
	blocks          BlockRebuilder
	writer          *looseWriter
	guard           *dirGuard
	engine          consensus.Engine
	maxChunk        int
	finalStateRoot  common.Hash
}

// NewRestoration builds a Restoration over params, seeding the pending-chunk
// sets from the manifest's hash lists.
func NewRestoration(params RestorationParams) *Restoration {
	return &Restoration{
		manifest:        params.Manifest,
		stateChunksLeft: chunkSet(params.Manifest.StateHashes),
		blockChunksLeft: chunkSet(params.Manifest.BlockHashes),
		state:           params.State,
		blocks:          params.Blocks,
		writer:          params.Writer,
		guard:           params.Guard,
		engine:          params.Engine,
		maxChunk:        params.MaxChunk,
		finalStateRoot:  params.Manifest.StateRoot,
	}
}

// FeedState feeds a state chunk. A hash outside the pending set, or a hash
// already resolved, is a no-op.
func (r *Restoration) FeedState(hash common.Hash, chunk []byte) error {
	if !r.stateChunksLeft.Contains(hash) {
		return nil
	}
	raw, err := decodeChunk(chunk, r.maxChunk)
	if err != nil {
		return err
	}
	if err := r.state.Feed(raw); err != nil {
		return err
	}
	if r.writer != nil {
		if err := r.writer.writeStateChunk(hash, chunk); err != nil {
			return err
		}
	}
	r.stateChunksLeft.Remove(hash)
	return nil
}

// FeedBlocks feeds a block chunk. Same idempotence rule as FeedState.
func (r *Restoration) FeedBlocks(hash common.Hash, chunk []byte) error {
	if !r.blockChunksLeft.Contains(hash) {
		return nil
	}
	raw, err := decodeChunk(chunk, r.maxChunk)
	if err != nil {
		return err
	}
	if err := r.blocks.Feed(raw, r.engine); err != nil {
		return err
	}
	if r.writer != nil {
		if err := r.writer.writeBlockChunk(hash, chunk); err != nil {
			return err
		}
	}
	r.blockChunksLeft.Remove(hash)
	return nil
}

// IsDone reports whether every expected chunk has been fed.
func (r *Restoration) IsDone() bool {
	return r.stateChunksLeft.Cardinality() == 0 && r.blockChunksLeft.Cardinality() == 0
}

// Finalize verifies the restored state root, finalizes both sub-rebuilders,
// completes the recovery writer (if any) and disarms the directory guard.
// It is a no-op if the restoration is not yet done.
func (r *Restoration) Finalize() error {
	if !r.IsDone() {
		return nil
	}
	if root := r.state.StateRoot(); root != r.finalStateRoot {
		return chainerr.ErrInvalidStateRoot
	}
	if err := r.state.Finalize(r.manifest.BlockNumber, r.manifest.BlockHash); err != nil {
		return err
	}
	if err := r.blocks.Finalize(); err != nil {
		return err
	}
	if r.writer != nil {
		if _, err := r.writer.finish(r.manifest); err != nil {
			return err
		}
	}
	r.guard.disarm()
	return nil
}

// completedChunks returns every chunk hash named in the manifest that is no
// longer pending, the set Service.CompletedChunks reports.
func (r *Restoration) completedChunks() []common.Hash {
	var done []common.Hash
	for _, h := range r.manifest.BlockHashes {
		if !r.blockChunksLeft.Contains(h) {
			done = append(done, h)
		}
	}
	for _, h := range r.manifest.StateHashes {
		if !r.stateChunksLeft.Contains(h) {
			done = append(done, h)
		}
	}
	return done
}
