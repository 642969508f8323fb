// Copyright 2024 The ethcore authors.
// This file is part of the ethcore library.

package snapshot

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/parity-go/ethcore/chainerr"
	"github.com/parity-go/ethcore/internal/config"
)

// AncientBlock bundles the three RLP parts of a full block, the unit
// ancient-block migration moves across chains.
type AncientBlock struct {
	Header   *types.Header
	Body     *types.Body
	Receipts types.Receipts
}

// SourceChain is the read-only view of the client's existing chain that
// ancient-block migration walks backward from.
type SourceChain interface {
	// BestBlockHash returns the current chain head's hash.
	BestBlockHash() common.Hash
	// AncientBlockNumber returns the boundary below which blocks are
	// already ancient, if the chain tracks one.
	AncientBlockNumber() (uint64, bool)
	// BlockByHash returns the full block stored at hash.
	BlockByHash(hash common.Hash) (*AncientBlock, bool)
	// BlockTotalDifficulty returns the cumulative difficulty up to and
	// including hash.
	BlockTotalDifficulty(hash common.Hash) (*big.Int, bool)
}

// DestChain is the new chain a restoration writes migrated ancient blocks
// into.
type DestChain interface {
	// FirstBlockNumber is the lowest block number the new chain already
	// has from its own snapshot state; migration only needs to backfill
	// below it.
	FirstBlockNumber() uint64
	// NewBatch returns a fresh write batch.
	NewBatch() *leveldb.Batch
	// CommitBatch flushes batch to the destination's backing store.
	CommitBatch(batch *leveldb.Batch) error
	// InsertUnorderedBlock stages block into batch, out of canonical
	// insertion order, tagged as ancient and non-best.
	InsertUnorderedBlock(batch *leveldb.Batch, block *AncientBlock, parentTotalDifficulty *big.Int, isBest, isAncient bool) error
	// UpdateBestAncientBlock records the migration's final frontier.
	UpdateBestAncientBlock(hash common.Hash) error
}

// migrateBlocks backfills the destination chain with every block from the
// source chain in [0, min(dest.FirstBlockNumber()-1, source's ancient or
// best block number)], walking backward from the source's head along
// parent links. It returns the number of blocks migrated.
func migrateBlocks(source SourceChain, dest DestChain, cfg config.SnapshotConfig, progress *Progress, logger log.Logger) (int, error) {
	cur := uint64(0)
	if ancient, ok := source.AncientBlockNumber(); ok {
		cur = ancient
	} else if head, ok := source.BlockByHash(source.BestBlockHash()); ok {
		cur = head.Header.Number.Uint64()
	}

	highest := cur
	if newFirst := dest.FirstBlockNumber(); newFirst > 0 && newFirst-1 < highest {
		highest = newFirst - 1
	}

	batch := dest.NewBatch()
	migrated := 0
	hash := source.BestBlockHash()

	for {
		block, ok := source.BlockByHash(hash)
		if !ok {
			break
		}
		number := block.Header.Number.Uint64()

		if number <= highest {
			parentTD, ok := source.BlockTotalDifficulty(block.Header.ParentHash)
			if !ok {
				return migrated, &chainerr.UnlinkedAncientBlockChain{Parent: block.Header.ParentHash}
			}
			if err := dest.InsertUnorderedBlock(batch, block, parentTD, false, true); err != nil {
				return migrated, err
			}
			migrated++
			progress.AddBlocks(1)

			if migrated%cfg.MigrateBatch == 0 {
				if err := dest.CommitBatch(batch); err != nil {
					return migrated, err
				}
				batch = dest.NewBatch()
			}
			if migrated%cfg.ProgressLogEvery == 0 {
				logger.Info("migrating ancient blocks", "migrated", migrated, "number", number)
			}
		}

		if progress.Aborted() {
			break
		}
		if number == 0 {
			break
		}
		hash = block.Header.ParentHash
	}

	if err := dest.CommitBatch(batch); err != nil {
		return migrated, err
	}
	if migrated > 0 {
		if err := dest.UpdateBestAncientBlock(source.BestBlockHash()); err != nil {
			return migrated, err
		}
	}
	return migrated, nil
}
