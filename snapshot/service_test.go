// Copyright 2024 The ethcore authors.
// This file is part of the ethcore library.

package snapshot

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/parity-go/ethcore/consensus"
	"github.com/parity-go/ethcore/internal/config"
)

type acceptingBlockRebuilder struct{ feeds int }

func (a *acceptingBlockRebuilder) Feed(chunk []byte, engine consensus.Engine) error {
	a.feeds++
	return nil
}
func (a *acceptingBlockRebuilder) Finalize() error { return nil }

// fakeRebuilders hands back fixed accepting rebuilders, recording the
// directory and manifest it was asked to build them for.
type fakeRebuilders struct {
	state  *acceptingStateRebuilder
	blocks *acceptingBlockRebuilder
	dir    string
}

func (f *fakeRebuilders) NewRebuilders(dir string, manifest ManifestData, genesis []byte) (StateRebuilder, BlockRebuilder, error) {
	f.dir = dir
	return f.state, f.blocks, nil
}

type fakeDatabaseRestore struct{ restoredPath string }

func (f *fakeDatabaseRestore) RestoreDB(path string) error {
	f.restoredPath = path
	return nil
}

// TestServiceRestoreLifecycle drives InitRestore through both chunk kinds
// and checks that finalization swaps the client's database and returns the
// service to Inactive.
func TestServiceRestoreLifecycle(t *testing.T) {
	root := t.TempDir()
	rebuilders := &fakeRebuilders{state: &acceptingStateRebuilder{}, blocks: &acceptingBlockRebuilder{}}
	client := &fakeDatabaseRestore{}

	svc, err := NewService(ServiceParams{
		Rebuilders:   rebuilders,
		Client:       client,
		SnapshotRoot: root,
		Config:       config.DefaultSnapshotConfig(root),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	stateHash := randomHashes(t, 1)[0]
	blockHash := randomHashes(t, 2)[1]
	manifest := ManifestData{StateHashes: []common.Hash{stateHash}, BlockHashes: []common.Hash{blockHash}}

	if err := svc.InitRestore(manifest, false); err != nil {
		t.Fatalf("InitRestore: %v", err)
	}
	if got := svc.Status().Kind; got != StatusOngoing {
		t.Fatalf("status after InitRestore = %v, want Ongoing", got)
	}

	svc.FeedStateChunk(stateHash, encodeChunk([]byte("state")))
	if svc.Status().Kind != StatusOngoing {
		t.Fatalf("restoration should still be ongoing with a block chunk outstanding")
	}

	svc.FeedBlockChunk(blockHash, encodeChunk([]byte("block")))

	if got := svc.Status().Kind; got != StatusInactive {
		t.Fatalf("status after both chunks fed = %v, want Inactive (finalized)", got)
	}
	if client.restoredPath != filepath.Join(root, "restoration", "db") {
		t.Fatalf("RestoreDB called with %q", client.restoredPath)
	}
	if rebuilders.state.feeds != 1 || rebuilders.blocks.feeds != 1 {
		t.Fatalf("expected exactly one feed of each kind, got state=%d block=%d", rebuilders.state.feeds, rebuilders.blocks.feeds)
	}
}

type sliceStateProducer struct{ chunks [][]byte }

func (s *sliceStateProducer) ProduceState(stateRoot common.Hash, emit func([]byte) error) error {
	for _, c := range s.chunks {
		if err := emit(c); err != nil {
			return err
		}
	}
	return nil
}

type sliceBlockProducer struct{ chunks [][]byte }

func (s *sliceBlockProducer) ProduceBlocks(blockHash common.Hash, emit func([]byte) error) error {
	for _, c := range s.chunks {
		if err := emit(c); err != nil {
			return err
		}
	}
	return nil
}

// TestServiceTakeSnapshotRoundTrip produces a snapshot from two state
// chunks and one block chunk, then reads them back through the service's
// public Manifest/Chunk accessors.
func TestServiceTakeSnapshotRoundTrip(t *testing.T) {
	root := t.TempDir()
	stateProducer := &sliceStateProducer{chunks: [][]byte{[]byte("account-range-1"), []byte("account-range-2")}}
	blockProducer := &sliceBlockProducer{chunks: [][]byte{[]byte("block-range-1")}}

	svc, err := NewService(ServiceParams{
		Rebuilders:    &fakeRebuilders{},
		Client:        &fakeDatabaseRestore{},
		SnapshotRoot:  root,
		Config:        config.DefaultSnapshotConfig(root),
		StateProducer: stateProducer,
		BlockProducer: blockProducer,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	blockHash := randomHashes(t, 1)[0]
	if err := svc.TakeSnapshot(100, blockHash, common.HexToHash("0xabc")); err != nil {
		t.Fatalf("TakeSnapshot: %v", err)
	}

	manifest, ok := svc.Manifest()
	require.True(t, ok, "expected a manifest after TakeSnapshot")
	require.Len(t, manifest.StateHashes, 2)
	require.Len(t, manifest.BlockHashes, 1)
	require.Equal(t, uint64(100), manifest.BlockNumber)
	require.Equal(t, blockHash, manifest.BlockHash)
	require.Equal(t, common.HexToHash("0xabc"), manifest.StateRoot)

	for i, want := range stateProducer.chunks {
		hash := manifest.StateHashes[i]
		raw, ok := svc.Chunk(hash)
		if !ok {
			t.Fatalf("chunk %s missing from service", hash)
		}
		got, err := decodeChunk(raw, 1<<20)
		if err != nil {
			t.Fatalf("decodeChunk: %v", err)
		}
		if string(got) != string(want) {
			t.Fatalf("chunk %d = %q, want %q", i, got, want)
		}
	}
}
