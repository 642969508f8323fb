// Copyright 2024 The ethcore authors.
// This file is part of the ethcore library.

package snapshot

import (
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang/snappy"

	"github.com/parity-go/ethcore/chainerr"
	"github.com/ethereum/go-ethereum/common"
)

// encodeChunk snappy-compresses raw, producing the snappy-framed chunk
// wire format.
func encodeChunk(raw []byte) []byte {
	return snappy.Encode(nil, raw)
}

// decodeChunk snappy-decompresses chunk, rejecting it outright if its
// decompressed length would exceed maxSize.
func decodeChunk(chunk []byte, maxSize int) ([]byte, error) {
	n, err := snappy.DecodedLen(chunk)
	if err != nil {
		return nil, err
	}
	if n > maxSize {
		return nil, chainerr.ErrChunkTooLarge
	}
	return snappy.Decode(nil, chunk)
}

// chunkHash is the identifier a chunk is addressed by: the 32-byte
// keccak-256 hash of its uncompressed payload.
func chunkHash(raw []byte) common.Hash {
	return crypto.Keccak256Hash(raw)
}
