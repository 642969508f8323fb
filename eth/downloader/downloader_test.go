// Copyright 2024 The ethcore authors.
// This file is part of the ethcore library.

package downloader

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/parity-go/ethcore/consensus"
	"github.com/parity-go/ethcore/internal/config"
)

// acceptingEngine treats every header as valid; it stands in for a concrete
// consensus engine so the downloader's state machine can be exercised on
// its own.
type acceptingEngine struct{}

func (acceptingEngine) Name() string                                              { return "accepting" }
func (acceptingEngine) VerifyBlockBasic(*types.Header) error                      { return nil }
func (acceptingEngine) VerifyBlockFamily(consensus.ChainReader, *types.Header, *types.Header) error {
	return nil
}
func (acceptingEngine) VerifyBlockUnordered(consensus.ChainReader, *types.Header) error { return nil }
func (acceptingEngine) OnCloseBlock(consensus.ChainReader, *types.Header) error         { return nil }
func (acceptingEngine) PopulateFromParent(*types.Header, *types.Header)                {}
func (acceptingEngine) EpochVerifier(*types.Header) consensus.EpochVerifier             { return nil }
func (acceptingEngine) GenesisEpochData(*types.Header) ([]byte, error)                  { return nil, nil }
func (acceptingEngine) SnapshotMode() consensus.SnapshotMode                            { return consensus.SnapshotModeNone }
func (acceptingEngine) CalcDifficulty(consensus.ChainReader, uint64, *types.Header) *big.Int {
	return big.NewInt(1)
}

// subchainHeaders builds a sparse header chain: the first header's parent is
// parent, and each following header is spaced skip+1 numbers apart and
// chained by parent hash, matching the shape a ChainHead response must take.
func subchainHeaders(parent common.Hash, startNumber uint64, count int, skip int) []*types.Header {
	headers := make([]*types.Header, count)
	prevHash := parent
	for i := 0; i < count; i++ {
		h := &types.Header{
			Number:     new(big.Int).SetUint64(startNumber + uint64(i*(skip+1))),
			ParentHash: prevHash,
			Difficulty: new(big.Int),
			Extra:      []byte{byte(i)},
		}
		headers[i] = h
		prevHash = h.Hash()
	}
	return headers
}

func newTestDownloader(t *testing.T, genesisHash common.Hash) *Downloader {
	t.Helper()
	cfg := config.DefaultDownloaderConfig()
	peers := NewPeerSet()
	var imported []*Block
	importFn := func(b *Block) error {
		imported = append(imported, b)
		return nil
	}
	return New(cfg, acceptingEngine{}, peers, consensus.BlockID{Number: 0, Hash: genesisHash}, importFn)
}

// TestDownloaderChainHeadToBlocks checks that priming with genesis, then
// feeding three headers spaced by 127 blocks (skip = 126, the
// MaxHeadersToRequest-2 of the default config), transitions the downloader
// from ChainHead to Blocks.
func TestDownloaderChainHeadToBlocks(t *testing.T) {
	genesisHash := common.HexToHash("0x01")
	d := newTestDownloader(t, genesisHash)

	req := d.Start()
	if d.Phase() != PhaseChainHead {
		t.Fatalf("Start did not enter ChainHead phase")
	}
	if req.Start != genesisHash || req.Skip != 126 {
		t.Fatalf("unexpected chain head request: %+v", req)
	}

	headers := subchainHeaders(genesisHash, 127, 3, 126)
	if err := d.ImportChainHead("peerA", headers); err != nil {
		t.Fatalf("ImportChainHead returned %v, want nil", err)
	}
	if d.Phase() != PhaseBlocks {
		t.Fatalf("downloader did not transition to Blocks, phase=%v", d.Phase())
	}
}

// TestDownloaderRejectsUnrelatedSubchain feeds an unrelated-hash header set
// of the same shape once the downloader is back in the ChainHead phase, and
// checks it is rejected as an invalid peer response.
func TestDownloaderRejectsUnrelatedSubchain(t *testing.T) {
	genesisHash := common.HexToHash("0x01")
	d := newTestDownloader(t, genesisHash)

	d.Start()
	headers := subchainHeaders(genesisHash, 127, 3, 126)
	if err := d.ImportChainHead("peerA", headers); err != nil {
		t.Fatalf("setup ImportChainHead returned %v", err)
	}
	if d.Phase() != PhaseBlocks {
		t.Fatalf("setup did not reach Blocks phase")
	}

	// A second round starting fresh, fed a same-shaped subchain that does not
	// chain back to the requested start hash.
	d.Start()
	unrelated := subchainHeaders(common.HexToHash("0xdead"), 127, 3, 126)
	if err := d.ImportChainHead("peerB", unrelated); err != errBadPeer {
		t.Fatalf("ImportChainHead returned %v, want errBadPeer", err)
	}
}

// TestDownloaderBlocksPhaseImport exercises the Blocks phase end to end:
// headers and bodies arrive, the queue assembles complete blocks and Tick
// imports them in order.
func TestDownloaderBlocksPhaseImport(t *testing.T) {
	genesisHash := common.HexToHash("0x01")
	cfg := config.DefaultDownloaderConfig()
	peers := NewPeerSet()
	peers.Register(NewPeer("peerA", CapabilityFull))

	var imported []common.Hash
	importFn := func(b *Block) error {
		imported = append(imported, b.Hash())
		return nil
	}
	d := New(cfg, acceptingEngine{}, peers, consensus.BlockID{Number: 0, Hash: genesisHash}, importFn)

	d.Start()
	headers := subchainHeaders(genesisHash, 127, 3, 126)
	if err := d.ImportChainHead("peerA", headers); err != nil {
		t.Fatalf("ImportChainHead: %v", err)
	}

	if err := d.ImportHeaders("peerA", headers); err != nil {
		t.Fatalf("ImportHeaders: %v", err)
	}
	bodies := make(map[common.Hash]*types.Body, len(headers))
	for _, h := range headers {
		bodies[h.Hash()] = &types.Body{}
	}
	if err := d.ImportBodies("peerA", bodies); err != nil {
		t.Fatalf("ImportBodies: %v", err)
	}

	n, reset := d.Tick()
	if reset {
		t.Fatalf("Tick requested an unexpected reset")
	}
	if n != len(headers) {
		t.Fatalf("Tick imported %d blocks, want %d", n, len(headers))
	}
	if len(imported) != len(headers) {
		t.Fatalf("importFn saw %d blocks, want %d", len(imported), len(headers))
	}
	for i, h := range headers {
		if imported[i] != h.Hash() {
			t.Fatalf("import order mismatch at %d: got %x want %x", i, imported[i], h.Hash())
		}
	}
}
