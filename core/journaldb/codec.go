// Copyright 2024 The ethcore authors.
// This file is part of the ethcore library.

package journaldb

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// Key-type prefixes, the way core/rawdb/schema.go tags its keys -- explicit
// prefixes rather than column-scoped keys.
var (
	latestEraKeyPrefix = []byte("ethcore-journaldb-latest-era")
	eraKeyPrefix       = byte('j')
)

// eraKey encodes the on-disk key for era record (era, index): a one-byte
// type tag followed by the era and the record's index within it, both
// big-endian so that keys iterate in era order.
func eraKey(era uint64, index uint64) []byte {
	key := make([]byte, 1+8+8)
	key[0] = eraKeyPrefix
	binary.BigEndian.PutUint64(key[1:9], era)
	binary.BigEndian.PutUint64(key[9:17], index)
	return key
}

// kv is an RLP-encodable key/value pair used inside a database record's
// insertion list.
type kv struct {
	Key   common.Hash
	Value []byte
}

// databaseRecord is the RLP shape of one JournalUnder call: the commit id
// plus its insertions and deletions.
type databaseRecord struct {
	ID      common.Hash
	Inserts []kv
	Deletes []common.Hash
}

func encodeRecord(id common.Hash, inserts []kv, deletes []common.Hash) ([]byte, error) {
	return rlp.EncodeToBytes(&databaseRecord{ID: id, Inserts: inserts, Deletes: deletes})
}

func decodeRecord(data []byte) (databaseRecord, error) {
	var rec databaseRecord
	err := rlp.DecodeBytes(data, &rec)
	return rec, err
}

func encodeEra(era uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, era)
	return buf
}

func decodeEra(data []byte) uint64 {
	return binary.BigEndian.Uint64(data)
}
