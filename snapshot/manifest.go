// Copyright 2024 The ethcore authors.
// This file is part of the ethcore library.

// Package snapshot implements the snapshot service: production of a
// chunked, atomic snapshot of a canonical block's state, and consumption
// of such a stream to reconstruct a working database and swap it in.
package snapshot

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	mapset "github.com/deckarep/golang-set/v2"
)

// ManifestData is the top-level description of a snapshot: its chunk
// identifiers, its state root, and its canonical block identity.
type ManifestData struct {
	Version     uint64
	StateHashes []common.Hash
	BlockHashes []common.Hash
	StateRoot   common.Hash
	BlockNumber uint64
	BlockHash   common.Hash
}

// EncodeManifest RLP-encodes m, the wire format persisted as the manifest
// file under a snapshot directory.
func EncodeManifest(m ManifestData) ([]byte, error) {
	return rlp.EncodeToBytes(&m)
}

// DecodeManifest parses a manifest previously produced by EncodeManifest.
func DecodeManifest(raw []byte) (ManifestData, error) {
	var m ManifestData
	if err := rlp.DecodeBytes(raw, &m); err != nil {
		return ManifestData{}, err
	}
	return m, nil
}

// chunkSet returns the set of every chunk hash a manifest describes, the
// expected set a Restoration validates incoming chunks against.
func chunkSet(hashes []common.Hash) mapset.Set[common.Hash] {
	s := mapset.NewThreadUnsafeSet[common.Hash]()
	for _, h := range hashes {
		s.Add(h)
	}
	return s
}
