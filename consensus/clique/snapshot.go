// Copyright 2024 The ethcore authors.
// This file is part of the ethcore library.

package clique

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/parity-go/ethcore/internal/config"
)

// Vote represents a single vote that an authorized signer made to modify the
// signer set.
type Vote struct {
	Signer    common.Address `json:"signer"`    // Authorized signer that cast this vote
	Block     uint64         `json:"block"`      // Block number the vote was cast at
	Address   common.Address `json:"address"`   // Account being voted on (the candidate)
	Authorize bool           `json:"authorize"` // Whether it was a vote to add (true) or remove (false)
}

// Tally is the running count of outstanding votes for one candidate,
// together with which direction they point.
type Tally struct {
	Authorize bool `json:"authorize"`
	Votes     int  `json:"votes"`
}

// Snapshot is the per-block-hash Clique state: the current signer set, each
// signer's last-signed block number (for recency enforcement), and the
// pending vote tally.
type Snapshot struct {
	cfg *config.CliqueConfig

	Number  uint64                      `json:"number"` // Block number where the snapshot was created
	Hash    common.Hash                 `json:"hash"`   // Block hash where the snapshot was created
	Signers map[common.Address]struct{} `json:"signers"`
	Recents map[uint64]common.Address   `json:"recents"` // Block number -> signer, the recency window
	Votes   []*Vote                     `json:"votes"`   // Chronological list of outstanding votes
	Tally   map[common.Address]Tally    `json:"tally"`   // Current tally per candidate
}

// newSnapshot creates a snapshot with the given starting signer set, used
// only for a checkpoint/epoch block.
func newSnapshot(cfg *config.CliqueConfig, number uint64, hash common.Hash, signers []common.Address) *Snapshot {
	snap := &Snapshot{
		cfg:     cfg,
		Number:  number,
		Hash:    hash,
		Signers: make(map[common.Address]struct{}),
		Recents: make(map[uint64]common.Address),
		Tally:   make(map[common.Address]Tally),
	}
	for _, signer := range signers {
		snap.Signers[signer] = struct{}{}
	}
	return snap
}

// copy creates a deep copy of the snapshot, safe to mutate independently.
func (s *Snapshot) copy() *Snapshot {
	cpy := &Snapshot{
		cfg:     s.cfg,
		Number:  s.Number,
		Hash:    s.Hash,
		Signers: make(map[common.Address]struct{}, len(s.Signers)),
		Recents: make(map[uint64]common.Address, len(s.Recents)),
		Votes:   make([]*Vote, len(s.Votes)),
		Tally:   make(map[common.Address]Tally, len(s.Tally)),
	}
	for signer := range s.Signers {
		cpy.Signers[signer] = struct{}{}
	}
	for block, signer := range s.Recents {
		cpy.Recents[block] = signer
	}
	for address, tally := range s.Tally {
		cpy.Tally[address] = tally
	}
	copy(cpy.Votes, s.Votes)
	return cpy
}

// recencyLimit is floor(|signers|/2)+1, the number of trailing blocks within
// which a signer may not sign twice again.
func (s *Snapshot) recencyLimit() uint64 {
	return uint64(len(s.Signers)/2 + 1)
}

// validVote reports whether casting authorize against address would change
// anything: you can only propose adding a non-signer or removing a signer.
func (s *Snapshot) validVote(address common.Address, authorize bool) bool {
	_, isSigner := s.Signers[address]
	return (isSigner && !authorize) || (!isSigner && authorize)
}

// cast adds a new vote to the tally, returning false (and doing nothing) if
// the vote is not meaningful. A signer gets at most one outstanding vote per
// candidate; that is enforced one layer up, in apply, by discarding any
// prior vote from the same signer against the same candidate first.
func (s *Snapshot) cast(address common.Address, authorize bool) bool {
	if !s.validVote(address, authorize) {
		return false
	}
	if old, ok := s.Tally[address]; ok {
		old.Votes++
		s.Tally[address] = old
	} else {
		s.Tally[address] = Tally{Authorize: authorize, Votes: 1}
	}
	return true
}

// uncast removes a previously cast vote from the tally.
func (s *Snapshot) uncast(address common.Address, authorize bool) bool {
	tally, ok := s.Tally[address]
	if !ok {
		return false
	}
	if tally.Authorize != authorize {
		return false
	}
	if tally.Votes > 1 {
		tally.Votes--
		s.Tally[address] = tally
	} else {
		delete(s.Tally, address)
	}
	return true
}

// apply creates a new snapshot by applying the given headers, in ascending
// block-number order, to the snapshot. It implements the full vote-tally
// state machine: recency tracking, vote casting and uncasting, and
// majority-triggered signer-set changes.
func (s *Snapshot) apply(headers []*types.Header) (*Snapshot, error) {
	if len(headers) == 0 {
		return s, nil
	}
	for i := 0; i < len(headers)-1; i++ {
		if headers[i+1].Number.Uint64() != headers[i].Number.Uint64()+1 {
			return nil, errInvalidVote
		}
	}
	if headers[0].Number.Uint64() != s.Number+1 {
		return nil, errInvalidVote
	}

	snap := s.copy()
	for _, header := range headers {
		number := header.Number.Uint64()

		// At an epoch boundary the pending tally is cleared before applying
		// any new votes.
		if number%snap.cfg.Epoch == 0 {
			snap.Votes = nil
			snap.Tally = make(map[common.Address]Tally)
		}
		// The recency window slides forward; drop the entry that just fell
		// out of it so a signer that far back can sign again.
		if limit := snap.recencyLimit(); number >= limit {
			delete(snap.Recents, number-limit)
		}

		signer, err := ecrecover(header)
		if err != nil {
			return nil, err
		}
		if _, ok := snap.Signers[signer]; !ok {
			return nil, errUnauthorizedSigner
		}
		for _, recent := range snap.Recents {
			if recent == signer {
				return nil, errRecentlySigned
			}
		}
		snap.Recents[number] = signer

		// Discard any previous vote this signer holds against the same
		// candidate before tallying the new one -- a signer gets at most
		// one outstanding vote per candidate.
		for i, vote := range snap.Votes {
			if vote.Signer == signer && vote.Address == header.Coinbase {
				snap.uncast(vote.Address, vote.Authorize)
				snap.Votes = append(snap.Votes[:i], snap.Votes[i+1:]...)
				break
			}
		}

		var authorize bool
		switch {
		case bytes.Equal(header.Nonce[:], nonceAuthVote[:]):
			authorize = true
		case bytes.Equal(header.Nonce[:], nonceDropVote[:]):
			authorize = false
		default:
			return nil, errInvalidVote
		}
		if snap.cast(header.Coinbase, authorize) {
			snap.Votes = append(snap.Votes, &Vote{
				Signer:    signer,
				Block:     number,
				Address:   header.Coinbase,
				Authorize: authorize,
			})
		}

		// A vote resolves once strictly more than half of the *current*
		// signers concur. Only the candidate whose tally was just touched is
		// re-examined here -- resolving a removal never cascades into
		// re-checking other candidates' tallies against the now-smaller
		// signer set in the same block.
		if tally := snap.Tally[header.Coinbase]; tally.Votes > len(snap.Signers)/2 {
			if tally.Authorize {
				snap.Signers[header.Coinbase] = struct{}{}
			} else {
				delete(snap.Signers, header.Coinbase)
				if limit := snap.recencyLimit(); number >= limit {
					delete(snap.Recents, number-limit)
				}
				// Removing a signer atomically drops every vote it cast.
				for i := 0; i < len(snap.Votes); i++ {
					if snap.Votes[i].Signer == header.Coinbase {
						snap.uncast(snap.Votes[i].Address, snap.Votes[i].Authorize)
						snap.Votes = append(snap.Votes[:i], snap.Votes[i+1:]...)
						i--
					}
				}
			}
			// ... and every vote cast against it.
			for i := 0; i < len(snap.Votes); i++ {
				if snap.Votes[i].Address == header.Coinbase {
					snap.Votes = append(snap.Votes[:i], snap.Votes[i+1:]...)
					i--
				}
			}
			delete(snap.Tally, header.Coinbase)
		}
	}
	snap.Number += uint64(len(headers))
	snap.Hash = headers[len(headers)-1].Hash()
	return snap, nil
}

// signersSorted returns the current signer set, sorted by address, the
// order the in-turn calculation and checkpoint encoding both rely on.
func (s *Snapshot) signersSorted() []common.Address {
	signers := make([]common.Address, 0, len(s.Signers))
	for signer := range s.Signers {
		signers = append(signers, signer)
	}
	sort.Slice(signers, func(i, j int) bool {
		return bytes.Compare(signers[i][:], signers[j][:]) < 0
	})
	return signers
}

// inturn reports whether signer is the in-turn authority for block number:
// sorted(signers)[number mod |signers|] == signer.
func (s *Snapshot) inturn(number uint64, signer common.Address) bool {
	signers, offset := s.signersSorted(), 0
	for offset < len(signers) && signers[offset] != signer {
		offset++
	}
	if offset == len(signers) {
		return false
	}
	return (number % uint64(len(signers))) == uint64(offset)
}

// MarshalJSON supports the read-only RPC surface's JSON representation.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	type alias Snapshot
	return json.Marshal((*alias)(s))
}
