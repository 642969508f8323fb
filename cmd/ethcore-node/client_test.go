// Copyright 2024 The ethcore authors.
// This file is part of the ethcore library.

package main

import (
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/parity-go/ethcore/consensus"
	"github.com/parity-go/ethcore/eth/downloader"
	"github.com/parity-go/ethcore/internal/config"
)

// passthroughEngine accepts every header; this file exercises the journal
// plumbing ImportBlock drives, not Clique's own verification (that is
// consensus/clique's own test package's job).
type passthroughEngine struct{}

func (passthroughEngine) Name() string                        { return "passthrough" }
func (passthroughEngine) VerifyBlockBasic(*types.Header) error { return nil }
func (passthroughEngine) VerifyBlockFamily(consensus.ChainReader, *types.Header, *types.Header) error {
	return nil
}
func (passthroughEngine) VerifyBlockUnordered(consensus.ChainReader, *types.Header) error { return nil }
func (passthroughEngine) OnCloseBlock(consensus.ChainReader, *types.Header) error          { return nil }
func (passthroughEngine) PopulateFromParent(*types.Header, *types.Header)                  {}
func (passthroughEngine) EpochVerifier(*types.Header) consensus.EpochVerifier               { return nil }
func (passthroughEngine) GenesisEpochData(*types.Header) ([]byte, error)                   { return nil, nil }
func (passthroughEngine) SnapshotMode() consensus.SnapshotMode                              { return consensus.SnapshotModeNone }
func (passthroughEngine) CalcDifficulty(consensus.ChainReader, uint64, *types.Header) *big.Int {
	return big.NewInt(1)
}

func newTestClient(t *testing.T) *client {
	t.Helper()
	backing, err := leveldb.OpenFile(filepath.Join(t.TempDir(), "chaindata"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { backing.Close() })

	cl, err := newClient(backing, passthroughEngine{}, config.JournalConfig{HistoryWindow: 10})
	require.NoError(t, err)
	return cl
}

func testBlock(number uint64) *downloader.Block {
	header := &types.Header{Number: big.NewInt(int64(number)), Difficulty: big.NewInt(1)}
	return &downloader.Block{Header: header, Body: &types.Body{}}
}

func TestClientImportBlockJournalsAndCanonicalizes(t *testing.T) {
	cl := newTestClient(t)

	block := testBlock(1)
	require.NoError(t, cl.ImportBlock(block))

	era, ok := cl.db.LatestEra()
	require.True(t, ok)
	require.Equal(t, uint64(1), era)

	_, ok = cl.db.Get(headerKey(block.Hash()))
	require.True(t, ok, "header should be readable after import canonicalizes its era")
}

func TestClientRestoreDBSwapsBacking(t *testing.T) {
	cl := newTestClient(t)
	require.NoError(t, cl.ImportBlock(testBlock(1)))

	restoreDir := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, cl.RestoreDB(restoreDir))

	// The restored (freshly opened, empty) backing store has no knowledge
	// of era 1: RestoreDB should have replaced the database, not merely
	// reopened the same path.
	_, ok := cl.db.LatestEra()
	require.False(t, ok, "restored database should start with no journaled eras")
}
