// Copyright 2024 The ethcore authors.
// This file is part of the ethcore library.
//
// The ethcore library is free software: you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// The ethcore library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the GNU Lesser
// General Public License for more details.

// Package clique implements a deterministic, vote-tallying proof-of-authority
// consensus engine: signers take turns sealing blocks, and the signer set
// itself evolves through in-block votes rather than external governance.
package clique

import (
	"bytes"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"

	"github.com/parity-go/ethcore/chainerr"
	"github.com/parity-go/ethcore/consensus"
	"github.com/parity-go/ethcore/internal/config"
)

const (
	// extraVanity is the fixed number of extra-data prefix bytes reserved
	// for signer vanity, ahead of any signer list or vote seal.
	extraVanity = 32
	// extraSeal is the fixed number of extra-data suffix bytes reserved for
	// the signer's ECDSA signature.
	extraSeal = 65

	inMemorySnapshots = 128 // Number of recent block states to keep in memory
)

// diffInTurn/diffNoTurn are the only two difficulty values Clique ever
// assigns; kept as uint256 (rather than allocating a fresh *big.Int at every
// comparison) the way go-ethereum's own newer consensus code represents
// small fixed-width values feeding into *big.Int-typed header fields.
var (
	diffInTurn = uint256.NewInt(2)
	diffNoTurn = uint256.NewInt(1)
)

// Vote kinds, encoded on the wire as the header nonce.
var (
	nonceAuthVote = hexNonce(0xffffffffffffffff) // Vote to add a signer
	nonceDropVote = hexNonce(0x0000000000000000) // Vote to remove a signer
)

func hexNonce(v uint64) types.BlockNonce {
	var n types.BlockNonce
	for i := 0; i < 8; i++ {
		n[7-i] = byte(v)
		v >>= 8
	}
	return n
}

var (
	uncleHash = types.CalcUncleHash(nil) // Always Keccak256(RLP([])); Clique has no uncles.

	// errUnknownBlock is returned when the list of signers is requested for a
	// block that is not part of the local blockchain.
	errUnknownBlock = errors.New("unknown block")

	// errInvalidCheckpointBeneficiary is returned if a checkpoint/epoch block
	// carries a beneficiary other than the zero address.
	errInvalidCheckpointBeneficiary = errors.New("beneficiary in checkpoint block non-zero")

	// errInvalidVote is returned if a non-checkpoint block's vote nonce is
	// not one of the two allowed constants.
	errInvalidVote = errors.New("vote nonce not 0x00..0 or 0xff..f")

	// errInvalidCheckpointVote is returned if a checkpoint/epoch block
	// carries a vote nonce other than the null nonce.
	errInvalidCheckpointVote = errors.New("vote nonce in checkpoint block non-zero")

	// errMissingVanity is returned if a header's extra-data is shorter than
	// 32 bytes, which bounds the signer vanity space.
	errMissingVanity = errors.New("extra-data 32 byte vanity prefix missing")

	// errMissingSignature is returned if a header's extra-data doesn't end
	// with a 65 byte secp256k1 signature.
	errMissingSignature = errors.New("extra-data 65 byte signature suffix missing")

	// errExtraSigners is returned if non-checkpoint block's extra-data
	// contains signer data.
	errExtraSigners = errors.New("non-checkpoint block contains extra signer list")

	// errInvalidCheckpointSigners is returned if a checkpoint block contains
	// an invalid list of signers (i.e. non divisible by 20 bytes).
	errInvalidCheckpointSigners = errors.New("invalid signer list on checkpoint block")

	// errMismatchingCheckpointSigners is returned if a checkpoint block
	// contains a list of signers different from the one the local node
	// calculated.
	errMismatchingCheckpointSigners = errors.New("mismatching signer list on checkpoint block")

	// errInvalidMixDigest is returned if a block's mix digest is non-zero.
	errInvalidMixDigest = errors.New("non-zero mix digest")

	// errInvalidUncleHash is returned if a block contains an non-empty uncle list.
	errInvalidUncleHash = errors.New("non empty uncle hash")

	// errInvalidDifficulty is returned if the difficulty of a block neither
	// matches the prescribed in-turn nor out-of-turn value.
	errInvalidDifficulty = errors.New("invalid difficulty")

	// errWrongDifficulty is returned if the difficulty of a block doesn't
	// match the turn of the signer it contains.
	errWrongDifficulty = errors.New("wrong difficulty")

	// errInvalidTimestamp is returned if a block's timestamp is not strictly
	// later, by at least the configured period, than its parent's.
	errInvalidTimestamp = errors.New("invalid timestamp")

	// errUnauthorizedSigner is returned if a header is signed by a
	// non-authorized account.
	errUnauthorizedSigner = errors.New("unauthorized signer")

	// errRecentlySigned is returned if a header is signed by an authorized
	// account that already signed a header recently, within the
	// floor(len(signers)/2)+1 window.
	errRecentlySigned = errors.New("recently signed")
)

// SignerFn signs a block's sealing hash with the node's own key; block
// proposing itself is out of scope, but verification shares the hash
// computation with the (external) producer through this narrow contract.
type SignerFn func(signer common.Address, hash []byte) ([]byte, error)

// Clique is the proof-of-authority consensus engine.
type Clique struct {
	cfg *config.CliqueConfig

	snapshots *lru.Cache[common.Hash, *Snapshot] // Bounded LRU of recent block states

	signer common.Address // Ethereum address of the signing key, if any (block production, out of scope)
	signFn SignerFn
	lock   sync.RWMutex // protects signer and proposals

	// Proposals is this node's own tentative voting intent for the next
	// block it signs -- not part of any block's committed tally, kept only
	// so an (out-of-scope) block producer can decide what to vote next.
	proposals map[common.Address]bool
}

// New creates a Clique proof-of-authority consensus engine.
func New(cfg *config.CliqueConfig) *Clique {
	conf := *cfg
	if conf.Epoch == 0 {
		conf.Epoch = config.DefaultCliqueEpochLength
	}
	cache, _ := lru.New[common.Hash, *Snapshot](inMemorySnapshots)
	return &Clique{
		cfg:       &conf,
		snapshots: cache,
		proposals: make(map[common.Address]bool),
	}
}

// Name implements consensus.Engine.
func (c *Clique) Name() string { return "clique" }

// Authorize injects a private key into the consensus engine so it can sign
// future blocks. Block production is out of scope for this repo; the signer
// address set here is the one CalcDifficulty checks for its in-turn answer.
func (c *Clique) Authorize(signer common.Address, signFn SignerFn) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.signer = signer
	c.signFn = signFn
}

// Propose records or clears this node's voting intent for the given address,
// mirroring go-ethereum's `Clique.Proposals` map.
func (c *Clique) Propose(address common.Address, auth bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.proposals[address] = auth
}

// Discard removes any pending proposal for address.
func (c *Clique) Discard(address common.Address) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.proposals, address)
}

// VerifyBlockBasic implements consensus.Engine: parent-independent checks.
func (c *Clique) VerifyBlockBasic(header *types.Header) error {
	if header.Number == nil {
		return chainerr.ErrRidiculousNumber
	}
	number := header.Number.Uint64()

	// Checkpoint blocks need to enforce zero beneficiary.
	checkpoint := number%c.cfg.Epoch == 0
	if checkpoint && header.Coinbase != (common.Address{}) {
		return errInvalidCheckpointBeneficiary
	}
	// Nonces must be 0x00..0 or 0xff..f, zeroes enforced on checkpoints.
	if !bytes.Equal(header.Nonce[:], nonceAuthVote[:]) && !bytes.Equal(header.Nonce[:], nonceDropVote[:]) {
		return errInvalidVote
	}
	if checkpoint && !bytes.Equal(header.Nonce[:], nonceDropVote[:]) {
		return errInvalidCheckpointVote
	}
	// Extra-data must be at least the vanity+seal size, with signer list
	// present (and divisible by 20 bytes) only on checkpoint blocks.
	if len(header.Extra) < extraVanity {
		return errMissingVanity
	}
	if len(header.Extra) < extraVanity+extraSeal {
		return errMissingSignature
	}
	signersBytes := len(header.Extra) - extraVanity - extraSeal
	if !checkpoint && signersBytes != 0 {
		return errExtraSigners
	}
	if checkpoint && signersBytes%common.AddressLength != 0 {
		return errInvalidCheckpointSigners
	}
	// Mix digest is reserved, must be zero.
	if header.MixDigest != (common.Hash{}) {
		return errInvalidMixDigest
	}
	// No uncles allowed.
	if header.UncleHash != uncleHash {
		return errInvalidUncleHash
	}
	// Difficulty must be either in-turn or out-of-turn.
	if number > 0 {
		if header.Difficulty == nil || (header.Difficulty.Cmp(diffInTurn.ToBig()) != 0 && header.Difficulty.Cmp(diffNoTurn.ToBig()) != 0) {
			return errInvalidDifficulty
		}
	}
	return nil
}

// VerifyBlockFamily implements consensus.Engine: parent-dependent checks.
func (c *Clique) VerifyBlockFamily(chain consensus.ChainReader, header, parent *types.Header) error {
	number := header.Number.Uint64()
	if parent == nil || parent.Number.Uint64() != number-1 || parent.Hash() != header.ParentHash {
		return chainerr.ErrUnknownParent
	}
	if parent.Time+c.cfg.Period > header.Time || header.Time <= parent.Time {
		return errInvalidTimestamp
	}

	snap, err := c.snapshot(chain, number-1, header.ParentHash, nil)
	if err != nil {
		return err
	}

	// Checkpoint blocks must list the current signer set, sorted, verbatim.
	if number%c.cfg.Epoch == 0 {
		signersData := make([]byte, len(snap.signersSorted())*common.AddressLength)
		for i, s := range snap.signersSorted() {
			copy(signersData[i*common.AddressLength:], s[:])
		}
		extraSigners := header.Extra[extraVanity : len(header.Extra)-extraSeal]
		if !bytes.Equal(extraSigners, signersData) {
			return errMismatchingCheckpointSigners
		}
	}

	signer, err := ecrecover(header)
	if err != nil {
		return err
	}
	if _, ok := snap.Signers[signer]; !ok {
		return chainerr.ErrNotAuthorized
	}
	for seen, recent := range snap.Recents {
		if recent == signer {
			// Signer is among the recents, only fail if the current block
			// doesn't shift out the offending one.
			if limit := snap.recencyLimit(); number < limit || seen > number-limit {
				return chainerr.ErrCliqueTooRecentlySigned
			}
		}
	}

	inturn := snap.inturn(number, signer)
	if inturn && header.Difficulty.Cmp(diffInTurn.ToBig()) != 0 {
		return errWrongDifficulty
	}
	if !inturn && header.Difficulty.Cmp(diffNoTurn.ToBig()) != 0 {
		return errWrongDifficulty
	}
	return nil
}

// VerifyBlockUnordered implements consensus.Engine: checks valid regardless
// of arrival order, used by the downloader's bulk header validation.
func (c *Clique) VerifyBlockUnordered(chain consensus.ChainReader, header *types.Header) error {
	return c.VerifyBlockBasic(header)
}

// OnCloseBlock implements consensus.Engine. Clique pays no block reward; it
// only needs to ensure the root hashes were already finalized by the caller.
func (c *Clique) OnCloseBlock(chain consensus.ChainReader, header *types.Header) error {
	return nil
}

// PopulateFromParent implements consensus.Engine.
func (c *Clique) PopulateFromParent(header, parent *types.Header) {
	header.Difficulty = c.CalcDifficulty(nil, header.Time, parent)
}

// CalcDifficulty implements consensus.Engine: returns diffInTurn if this
// node's authorized signer is in turn for the block after parent, else
// diffNoTurn. With a nil chain, or when the parent's snapshot cannot be
// built, it returns diffNoTurn; PopulateFromParent passes a nil chain.
// Exposed standalone so an out-of-scope proposer can ask before sealing.
func (c *Clique) CalcDifficulty(chain consensus.ChainReader, time uint64, parent *types.Header) *big.Int {
	c.lock.RLock()
	signer := c.signer
	c.lock.RUnlock()

	if chain == nil {
		return diffNoTurn.ToBig()
	}
	snap, err := c.snapshot(chain, parent.Number.Uint64(), parent.Hash(), nil)
	if err != nil {
		return diffNoTurn.ToBig()
	}
	if snap.inturn(parent.Number.Uint64()+1, signer) {
		return diffInTurn.ToBig()
	}
	return diffNoTurn.ToBig()
}

// EpochVerifier implements consensus.Engine.
func (c *Clique) EpochVerifier(header *types.Header) consensus.EpochVerifier {
	return epochVerifier{cfg: c.cfg}
}

type epochVerifier struct{ cfg *config.CliqueConfig }

// VerifyEpochData checks that an epoch/checkpoint header's extra-data is a
// well-formed, non-empty, 20-byte-divisible signer list.
func (v epochVerifier) VerifyEpochData(header *types.Header) error {
	if header.Number.Uint64()%v.cfg.Epoch != 0 {
		return nil
	}
	if len(header.Extra) < extraVanity+extraSeal {
		return chainerr.ErrInvalidCheckpoint
	}
	n := len(header.Extra) - extraVanity - extraSeal
	if n == 0 || n%common.AddressLength != 0 {
		return chainerr.ErrInvalidCheckpoint
	}
	return nil
}

// GenesisEpochData implements consensus.Engine: the genesis header is itself
// epoch 0 and must carry the initial signer set in its extra-data.
func (c *Clique) GenesisEpochData(header *types.Header) ([]byte, error) {
	if err := c.EpochVerifier(header).VerifyEpochData(header); err != nil {
		return nil, err
	}
	return header.Extra, nil
}

// SnapshotMode implements consensus.Engine: Clique networks still snapshot
// state (account balances/storage), just not PoW-specific data.
func (c *Clique) SnapshotMode() consensus.SnapshotMode { return consensus.SnapshotModeFull }

// State returns the signer-set snapshot as of header, the engine's public
// block-state accessor.
func (c *Clique) State(chain consensus.ChainReader, header *types.Header) (*Snapshot, error) {
	return c.snapshot(chain, header.Number.Uint64(), header.Hash(), nil)
}

// snapshot retrieves, or reconstructs from the parent chain, the signer-set
// snapshot as of block (number, hash). parents optionally supplies headers
// not yet part of the canonical chain (used while validating an unimported
// fork), the way go-ethereum's clique.snapshot does.
func (c *Clique) snapshot(chain consensus.ChainReader, number uint64, hash common.Hash, parents []*types.Header) (*Snapshot, error) {
	var (
		headers []*types.Header
		snap    *Snapshot
	)
	for snap == nil {
		if s, ok := c.snapshots.Get(hash); ok {
			snap = s
			break
		}
		if number%c.cfg.Epoch == 0 {
			var header *types.Header
			if len(parents) > 0 {
				header = parents[len(parents)-1]
				if header.Hash() != hash || header.Number.Uint64() != number {
					return nil, errUnknownBlock
				}
				parents = parents[:len(parents)-1]
			} else {
				header = chain.GetHeader(hash, number)
				if header == nil {
					return nil, errUnknownBlock
				}
			}
			signers := make([]common.Address, (len(header.Extra)-extraVanity-extraSeal)/common.AddressLength)
			for i := 0; i < len(signers); i++ {
				copy(signers[i][:], header.Extra[extraVanity+i*common.AddressLength:])
			}
			snap = newSnapshot(c.cfg, number, hash, signers)
			break
		}
		var header *types.Header
		if len(parents) > 0 {
			header = parents[len(parents)-1]
			if header.Hash() != hash || header.Number.Uint64() != number {
				return nil, errUnknownBlock
			}
			parents = parents[:len(parents)-1]
		} else {
			header = chain.GetHeader(hash, number)
			if header == nil {
				return nil, errUnknownBlock
			}
		}
		headers = append(headers, header)
		number, hash = number-1, header.ParentHash
	}
	for i := 0; i < len(headers)/2; i++ {
		headers[i], headers[len(headers)-1-i] = headers[len(headers)-1-i], headers[i]
	}
	snap, err := snap.apply(headers)
	if err != nil {
		return nil, err
	}
	c.snapshots.Add(snap.Hash, snap)
	return snap, nil
}

// sigHash returns the hash to be signed: the header RLP with the last 65
// bytes of extra-data (the signature itself) left out.
func sigHash(header *types.Header) (hash common.Hash) {
	hasher := crypto.NewKeccakState()
	cpy := *header
	cpy.Extra = header.Extra[:len(header.Extra)-extraSeal]
	rlp.Encode(hasher, []interface{}{
		cpy.ParentHash, cpy.UncleHash, cpy.Coinbase, cpy.Root, cpy.TxHash, cpy.ReceiptHash,
		cpy.Bloom, cpy.Difficulty, cpy.Number, cpy.GasLimit, cpy.GasUsed, cpy.Time,
		cpy.Extra, cpy.MixDigest, cpy.Nonce,
	})
	hasher.Read(hash[:])
	return hash
}

// SealHash exposes sigHash for the block producer (out of scope) and tests.
func SealHash(header *types.Header) common.Hash { return sigHash(header) }

// ecrecover extracts the Ethereum account address from a signed header.
func ecrecover(header *types.Header) (common.Address, error) {
	if len(header.Extra) < extraSeal {
		return common.Address{}, errMissingSignature
	}
	signature := header.Extra[len(header.Extra)-extraSeal:]

	pubkey, err := crypto.Ecrecover(sigHash(header).Bytes(), signature)
	if err != nil {
		return common.Address{}, err
	}
	var signer common.Address
	copy(signer[:], crypto.Keccak256(pubkey[1:])[12:])
	return signer, nil
}

// API exposes a JSON-RPC-shaped read surface over the engine's snapshots,
// mirroring go-ethereum's consensus/clique/api.go. Registering it on an
// actual RPC server is out of scope; this is a plain Go type so a caller
// elsewhere can wire it in.
type API struct {
	chain  consensus.ChainReader
	clique *Clique
}

// NewAPI constructs the read-only RPC surface over engine.
func NewAPI(chain consensus.ChainReader, engine *Clique) *API {
	return &API{chain: chain, clique: engine}
}

// GetSnapshot retrieves the state snapshot at the given block, or the
// current head if header is nil.
func (api *API) GetSnapshot(header *types.Header) (*Snapshot, error) {
	if header == nil {
		header = api.chain.CurrentHeader()
	}
	return api.clique.snapshot(api.chain, header.Number.Uint64(), header.Hash(), nil)
}

// GetSigners retrieves the sorted signer list at the given block.
func (api *API) GetSigners(header *types.Header) ([]common.Address, error) {
	snap, err := api.GetSnapshot(header)
	if err != nil {
		return nil, err
	}
	return snap.signersSorted(), nil
}

// Proposals returns the node's own pending vote intentions.
func (api *API) Proposals() map[common.Address]bool {
	api.clique.lock.RLock()
	defer api.clique.lock.RUnlock()
	out := make(map[common.Address]bool, len(api.clique.proposals))
	for k, v := range api.clique.proposals {
		out[k] = v
	}
	return out
}
