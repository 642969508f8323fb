// Package consensus defines the capability set that the downloader and the
// snapshot service use to treat any pluggable engine (Clique, an Ethash-like
// proof-of-work plug, or a third-party variant) uniformly. Neither caller
// depends on a concrete engine beyond this interface.
package consensus

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// BlockID pairs a block's number with its hash, the identity pair passed
// around block-sync code wherever only identity (not content) matters.
type BlockID struct {
	Number uint64
	Hash   common.Hash
}

// ChainReader is the narrow read-only view engines need of the canonical
// chain: enough to walk parents and resolve headers by number, never enough
// to mutate state.
type ChainReader interface {
	// GetHeader returns the header identified by hash and number, or nil.
	GetHeader(hash common.Hash, number uint64) *types.Header
	// GetHeaderByNumber returns the canonical header at number, or nil.
	GetHeaderByNumber(number uint64) *types.Header
	// CurrentHeader returns the chain's current head header.
	CurrentHeader() *types.Header
}

// SnapshotMode describes how an engine wants the snapshot service to treat
// its state: full (state trie based) or none (engine opts out).
type SnapshotMode int

const (
	SnapshotModeNone SnapshotMode = iota
	SnapshotModeFull
)

// EpochVerifier validates the epoch transition data embedded in a header
// (e.g. Clique's checkpoint signer list) independent of full block
// verification, so light/fast-sync consumers can validate it in isolation.
type EpochVerifier interface {
	VerifyEpochData(header *types.Header) error
}

// Engine is the capability set every pluggable consensus engine exposes.
// The downloader and snapshot service interact with engines exclusively
// through this interface.
type Engine interface {
	// Name identifies the engine for logging and RPC namespace purposes.
	Name() string

	// VerifyBlockBasic performs the cheap, parent-independent checks that
	// require only the header itself (well-formedness, gas bounds, seal
	// shape). It runs before the header's parent is known to be valid.
	VerifyBlockBasic(header *types.Header) error

	// VerifyBlockFamily performs checks that require the immediate parent:
	// difficulty, timestamp ordering, signer authorization and recency.
	VerifyBlockFamily(chain ChainReader, header, parent *types.Header) error

	// VerifyBlockUnordered performs checks that are valid regardless of the
	// order blocks are supplied in (used by the downloader's out-of-order
	// header validation during bulk header import).
	VerifyBlockUnordered(chain ChainReader, header *types.Header) error

	// OnCloseBlock is invoked once a block has been fully assembled and is
	// about to be committed, giving the engine a chance to apply rewards or
	// finalize its own per-block bookkeeping.
	OnCloseBlock(chain ChainReader, header *types.Header) error

	// PopulateFromParent fills engine-specific header fields (difficulty,
	// extra-data scaffolding) before a block is proposed, deriving them from
	// the parent header.
	PopulateFromParent(header, parent *types.Header)

	// EpochVerifier returns an EpochVerifier for the epoch header belongs
	// to, or nil if the engine has no epoch concept.
	EpochVerifier(header *types.Header) EpochVerifier

	// GenesisEpochData returns the epoch data to embed in a genesis block's
	// extra-data, given the genesis header.
	GenesisEpochData(header *types.Header) ([]byte, error)

	// SnapshotMode reports whether this engine wants state snapshots taken.
	SnapshotMode() SnapshotMode

	// CalcDifficulty returns the difficulty this engine would assign to a
	// block built on top of parent at the given time, letting a proposer
	// (out of scope here) ask before sealing.
	CalcDifficulty(chain ChainReader, time uint64, parent *types.Header) *big.Int
}
