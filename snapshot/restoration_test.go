// Copyright 2024 The ethcore authors.
// This file is part of the ethcore library.

package snapshot

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/parity-go/ethcore/consensus"
)

// failingStateRebuilder rejects every chunk it is fed, modeling malformed
// input.
type failingStateRebuilder struct{ fed int }

func (f *failingStateRebuilder) Feed(chunk []byte) error {
	f.fed++
	return errors.New("malformed state chunk")
}
func (f *failingStateRebuilder) StateRoot() common.Hash                       { return common.Hash{} }
func (f *failingStateRebuilder) Finalize(uint64, common.Hash) error           { return nil }

type failingBlockRebuilder struct{ fed int }

func (f *failingBlockRebuilder) Feed(chunk []byte, engine consensus.Engine) error {
	f.fed++
	return errors.New("malformed block chunk")
}
func (f *failingBlockRebuilder) Finalize() error { return nil }

func randomHashes(t *testing.T, n int) []common.Hash {
	t.Helper()
	hashes := make([]common.Hash, n)
	for i := range hashes {
		var h common.Hash
		h[0] = byte(i + 1)
		h[31] = byte(i + 1)
		hashes[i] = h
	}
	return hashes
}

// TestRestorationRejectsBogusChunks constructs a restoration with five
// state hashes and five block hashes, feeds five bogus state chunks, and
// checks that each feed errors and the restoration is never marked done;
// feeding any block chunk must also error.
func TestRestorationRejectsBogusChunks(t *testing.T) {
	stateHashes := randomHashes(t, 5)
	blockHashes := randomHashes(t, 5)
	for i := range blockHashes {
		blockHashes[i][1] = 0xff // keep them distinct from stateHashes
	}

	state := &failingStateRebuilder{}
	blocks := &failingBlockRebuilder{}

	rest := NewRestoration(RestorationParams{
		Manifest: ManifestData{StateHashes: stateHashes, BlockHashes: blockHashes},
		State:    state,
		Blocks:   blocks,
		Guard:    benignGuard(),
		MaxChunk: 1 << 20,
	})

	bogus := []byte{1, 2, 3, 4, 5}
	for _, h := range stateHashes {
		if err := rest.FeedState(h, bogus); err == nil {
			t.Fatalf("expected feed to reject a malformed chunk for %s", h)
		}
		if rest.IsDone() {
			t.Fatalf("restoration reported done after a failed feed")
		}
	}

	for _, h := range blockHashes {
		if err := rest.FeedBlocks(h, bogus); err == nil {
			t.Fatalf("expected feed to reject a malformed chunk for %s", h)
		}
	}

	if rest.IsDone() {
		t.Fatalf("restoration should not be done: every chunk failed to decode")
	}
	if state.fed != 0 {
		t.Fatalf("malformed snappy input should fail decompression before reaching the rebuilder, got %d feeds", state.fed)
	}
}

// acceptingStateRebuilder/acceptingBlockRebuilder succeed unconditionally,
// used to test the idempotence property.
type acceptingStateRebuilder struct{ feeds int }

func (a *acceptingStateRebuilder) Feed(chunk []byte) error             { a.feeds++; return nil }
func (a *acceptingStateRebuilder) StateRoot() common.Hash              { return common.Hash{} }
func (a *acceptingStateRebuilder) Finalize(uint64, common.Hash) error  { return nil }

// TestFeedStateIdempotent checks that feeding the same chunk twice is a
// no-op after the first successful feed.
func TestFeedStateIdempotent(t *testing.T) {
	h := randomHashes(t, 1)[0]
	state := &acceptingStateRebuilder{}

	rest := NewRestoration(RestorationParams{
		Manifest: ManifestData{StateHashes: []common.Hash{h}},
		State:    state,
		Blocks:   &failingBlockRebuilder{},
		Guard:    benignGuard(),
		MaxChunk: 1 << 20,
	})

	chunk := encodeChunk([]byte("state-payload"))
	if err := rest.FeedState(h, chunk); err != nil {
		t.Fatalf("first feed: %v", err)
	}
	if !rest.IsDone() {
		t.Fatalf("restoration should be done: its only chunk was fed")
	}
	if err := rest.FeedState(h, chunk); err != nil {
		t.Fatalf("second feed of the same hash should be a no-op, got error: %v", err)
	}
	if state.feeds != 1 {
		t.Fatalf("rebuilder should only ever see one feed, saw %d", state.feeds)
	}
}

// TestFeedStateUnexpectedHashIsNoOp is the other half of the idempotence
// property: a hash outside the expected set is silently ignored.
func TestFeedStateUnexpectedHashIsNoOp(t *testing.T) {
	expected := randomHashes(t, 1)[0]
	unexpected := randomHashes(t, 2)[1]
	state := &acceptingStateRebuilder{}

	rest := NewRestoration(RestorationParams{
		Manifest: ManifestData{StateHashes: []common.Hash{expected}},
		State:    state,
		Blocks:   &failingBlockRebuilder{},
		Guard:    benignGuard(),
		MaxChunk: 1 << 20,
	})

	if err := rest.FeedState(unexpected, []byte("junk")); err != nil {
		t.Fatalf("unexpected hash should be a silent no-op, got: %v", err)
	}
	if state.feeds != 0 {
		t.Fatalf("rebuilder should never see a chunk for an unexpected hash")
	}
	if rest.IsDone() {
		t.Fatalf("restoration still has its one expected chunk outstanding")
	}
}
