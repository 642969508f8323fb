// Copyright 2024 The ethcore authors.
// This file is part of the ethcore library.

package clique

import (
	"crypto/ecdsa"
	"math/big"
	"sort"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/parity-go/ethcore/internal/config"
)

// testerAccountPool maps textual names used in the scenarios below to
// Ethereum private keys, the way go-ethereum's own clique snapshot tests do.
type testerAccountPool struct {
	accounts map[string]*ecdsa.PrivateKey
}

func newTesterAccountPool() *testerAccountPool {
	return &testerAccountPool{accounts: make(map[string]*ecdsa.PrivateKey)}
}

func (ap *testerAccountPool) key(name string) *ecdsa.PrivateKey {
	if ap.accounts[name] == nil {
		ap.accounts[name], _ = crypto.GenerateKey()
	}
	return ap.accounts[name]
}

func (ap *testerAccountPool) address(name string) common.Address {
	return crypto.PubkeyToAddress(ap.key(name).PublicKey)
}

func (ap *testerAccountPool) sign(header *types.Header, signer string) {
	sig, err := crypto.Sign(sigHash(header).Bytes(), ap.key(signer))
	if err != nil {
		panic(err)
	}
	copy(header.Extra[len(header.Extra)-extraSeal:], sig)
}

// testerChainReader is a minimal map-backed consensus.ChainReader: enough to
// walk parents, nothing else. Block execution (state/EVM) is out of scope.
type testerChainReader struct {
	headers map[common.Hash]*types.Header
	byNum   map[uint64]common.Hash
	head    common.Hash
}

func newTesterChainReader() *testerChainReader {
	return &testerChainReader{headers: make(map[common.Hash]*types.Header), byNum: make(map[uint64]common.Hash)}
}

func (r *testerChainReader) add(h *types.Header) {
	hash := h.Hash()
	r.headers[hash] = h
	r.byNum[h.Number.Uint64()] = hash
	r.head = hash
}

func (r *testerChainReader) GetHeader(hash common.Hash, number uint64) *types.Header {
	return r.headers[hash]
}
func (r *testerChainReader) GetHeaderByNumber(number uint64) *types.Header {
	return r.headers[r.byNum[number]]
}
func (r *testerChainReader) CurrentHeader() *types.Header { return r.headers[r.head] }

// newTestHeader builds the next header on top of parent, with the given
// coinbase/vote-nonce, correctly sized extra-data and difficulty, but an
// unset signature (caller must sign it).
func newTestHeader(parent *types.Header, checkpointSigners []common.Address, coinbase common.Address, authorize *bool, inTurnDifficulty bool) *types.Header {
	extraLen := extraVanity + extraSeal
	if len(checkpointSigners) > 0 {
		extraLen = extraVanity + len(checkpointSigners)*common.AddressLength + extraSeal
	}
	header := &types.Header{
		ParentHash: parent.Hash(),
		Number:     new(big.Int).Add(parent.Number, big.NewInt(1)),
		Time:       parent.Time + 1,
		Extra:      make([]byte, extraLen),
		Coinbase:   coinbase,
		UncleHash:  uncleHash,
		Difficulty: diffNoTurn.ToBig(),
	}
	if inTurnDifficulty {
		header.Difficulty = diffInTurn.ToBig()
	}
	for i, s := range checkpointSigners {
		copy(header.Extra[extraVanity+i*common.AddressLength:], s[:])
	}
	switch {
	case authorize == nil:
		header.Nonce = nonceDropVote
	case *authorize:
		header.Nonce = nonceAuthVote
	default:
		header.Nonce = nonceDropVote
	}
	return header
}

func sortAddresses(addrs []common.Address) []common.Address {
	out := append([]common.Address(nil), addrs...)
	sort.Slice(out, func(i, j int) bool { return bytesCompare(out[i], out[j]) })
	return out
}

func bytesCompare(a, b common.Address) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// TestCliqueSingleSigner checks that a lone signer sealing an empty
// (non-voting) block leaves the signer set unchanged.
func TestCliqueSingleSigner(t *testing.T) {
	accounts := newTesterAccountPool()
	a := accounts.address("A")

	chain := newTesterChainReader()
	genesis := newTestHeader(&types.Header{Number: big.NewInt(-1), Time: 0}, []common.Address{a}, common.Address{}, nil, false)
	genesis.Number = big.NewInt(0)
	genesis.ParentHash = common.Hash{}
	chain.add(genesis)

	engine := New(&config.CliqueConfig{Epoch: 10, Period: 1})

	header := newTestHeader(genesis, nil, common.Address{}, nil, true)
	accounts.sign(header, "A")
	chain.add(header)

	snap, err := engine.State(chain, header)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if len(snap.Signers) != 1 {
		t.Fatalf("signer count = %d, want 1", len(snap.Signers))
	}
	if _, ok := snap.Signers[a]; !ok {
		t.Fatalf("signer set = %v, want {A}", snap.Signers)
	}
}

// TestCliqueRemoveThenSelfRemove checks that a signer voted out by the
// remaining majority, including its own vote to remove itself, is
// actually dropped from the signer set.
func TestCliqueRemoveThenSelfRemove(t *testing.T) {
	accounts := newTesterAccountPool()
	a, b := accounts.address("A"), accounts.address("B")

	chain := newTesterChainReader()
	genesis := newTestHeader(&types.Header{Number: big.NewInt(-1)}, sortAddresses([]common.Address{a, b}), common.Address{}, nil, false)
	genesis.Number = big.NewInt(0)
	genesis.ParentHash = common.Hash{}
	chain.add(genesis)

	engine := New(&config.CliqueConfig{Epoch: 100, Period: 1})
	no := false

	// Block 1: A votes to remove B.
	h1 := newTestHeader(genesis, nil, b, &no, true)
	accounts.sign(h1, "A")
	chain.add(h1)

	// Block 2: B votes to remove itself -- 2/2 votes, strictly more than
	// half of 2 signers (>1), so B is removed.
	h2 := newTestHeader(h1, nil, b, &no, false)
	accounts.sign(h2, "B")
	chain.add(h2)

	snap, err := engine.State(chain, h2)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if len(snap.Signers) != 1 {
		t.Fatalf("signer count = %d, want 1", len(snap.Signers))
	}
	if _, ok := snap.Signers[a]; !ok {
		t.Fatalf("signer set = %v, want {A}", snap.Signers)
	}
}

// TestCliqueCascadingRemovalForbidden checks that removing D does not
// cascade into re-resolving C's still-short tally in the same block.
func TestCliqueCascadingRemovalForbidden(t *testing.T) {
	accounts := newTesterAccountPool()
	a, b, c, d := accounts.address("A"), accounts.address("B"), accounts.address("C"), accounts.address("D")
	signers := sortAddresses([]common.Address{a, b, c, d})

	chain := newTesterChainReader()
	genesis := newTestHeader(&types.Header{Number: big.NewInt(-1)}, signers, common.Address{}, nil, false)
	genesis.Number = big.NewInt(0)
	genesis.ParentHash = common.Hash{}
	chain.add(genesis)

	engine := New(&config.CliqueConfig{Epoch: 1000, Period: 1})
	no := false

	type step struct {
		signer    string
		candidate common.Address
		vote      *bool // nil = empty block
	}
	steps := []step{
		{"A", c, &no}, // Remove(C) by A
		{"B", common.Address{}, nil},
		{"C", common.Address{}, nil},
		{"A", d, &no}, // Remove(D) by A
		{"B", c, &no}, // Remove(C) by B
		{"C", common.Address{}, nil},
		{"A", common.Address{}, nil},
		{"B", d, &no}, // Remove(D) by B
		{"C", d, &no}, // Remove(D) by C -- resolves D's removal this block
	}

	parent := genesis
	for _, st := range steps {
		h := newTestHeader(parent, nil, st.candidate, st.vote, false)
		accounts.sign(h, st.signer)
		chain.add(h)
		parent = h
	}

	snap, err := engine.State(chain, parent)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	want := map[common.Address]bool{a: true, b: true, c: true}
	if len(snap.Signers) != len(want) {
		t.Fatalf("signer count = %d, want %d (got %v)", len(snap.Signers), len(want), snap.Signers)
	}
	for addr := range want {
		if _, ok := snap.Signers[addr]; !ok {
			t.Fatalf("expected %x to remain a signer, signers=%v", addr, snap.Signers)
		}
	}
	if _, ok := snap.Signers[d]; ok {
		t.Fatalf("D should have been removed")
	}
}

// TestCliqueRecentlySigned checks that a signer cannot sign again within
// floor(|signers|/2)+1 blocks of its last signature.
func TestCliqueRecentlySigned(t *testing.T) {
	accounts := newTesterAccountPool()
	a, b, c := accounts.address("A"), accounts.address("B"), accounts.address("C")
	signers := sortAddresses([]common.Address{a, b, c})

	chain := newTesterChainReader()
	genesis := newTestHeader(&types.Header{Number: big.NewInt(-1)}, signers, common.Address{}, nil, false)
	genesis.Number = big.NewInt(0)
	genesis.ParentHash = common.Hash{}
	chain.add(genesis)

	engine := New(&config.CliqueConfig{Epoch: 1000, Period: 1})

	h1 := newTestHeader(genesis, nil, common.Address{}, nil, false)
	accounts.sign(h1, "A")
	chain.add(h1)

	// recencyLimit for 3 signers is floor(3/2)+1 = 2. A tries to sign again
	// at block 2, inside the window -- must be rejected.
	h2 := newTestHeader(h1, nil, common.Address{}, nil, false)
	accounts.sign(h2, "A")

	if err := engine.VerifyBlockFamily(chain, h2, h1); err == nil {
		t.Fatalf("expected recently-signed rejection")
	}
}

// TestCliqueInTurnDifficulty checks that only the in-turn signer may claim
// in-turn difficulty for a block.
func TestCliqueInTurnDifficulty(t *testing.T) {
	accounts := newTesterAccountPool()
	a, b := accounts.address("A"), accounts.address("B")
	signers := sortAddresses([]common.Address{a, b})

	chain := newTesterChainReader()
	genesis := newTestHeader(&types.Header{Number: big.NewInt(-1)}, signers, common.Address{}, nil, false)
	genesis.Number = big.NewInt(0)
	genesis.ParentHash = common.Hash{}
	chain.add(genesis)

	engine := New(&config.CliqueConfig{Epoch: 1000, Period: 1})
	snap, err := engine.State(chain, genesis)
	if err != nil {
		t.Fatalf("state: %v", err)
	}

	name := "A"
	if !snap.inturn(1, a) {
		name = "B"
	}

	h := newTestHeader(genesis, nil, common.Address{}, nil, true)
	accounts.sign(h, name)
	if err := engine.VerifyBlockFamily(chain, h, genesis); err != nil {
		t.Fatalf("in-turn block rejected: %v", err)
	}

	h2 := newTestHeader(genesis, nil, common.Address{}, nil, true)
	otherName := "B"
	if name == "B" {
		otherName = "A"
	}
	accounts.sign(h2, otherName)
	if err := engine.VerifyBlockFamily(chain, h2, genesis); err == nil {
		t.Fatalf("expected wrong-difficulty rejection for out-of-turn signer claiming in-turn difficulty")
	}
}
