// Copyright 2024 The ethcore authors.
// This file is part of the ethcore library.

package main

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/parity-go/ethcore/consensus"
	"github.com/parity-go/ethcore/core/journaldb"
	"github.com/parity-go/ethcore/eth/downloader"
	"github.com/parity-go/ethcore/internal/config"
)

// client is the thin orchestrator the CLI dispatches to, wiring the
// engine, the journal database and (for restore) the snapshot service. It
// is deliberately not the downloader's peer-driven Tick loop -- the CLI's
// `import` command feeds blocks synchronously from a local file, the way
// go-ethereum's own `geth import` bypasses the network layer.
type client struct {
	engine  consensus.Engine
	db      *journaldb.OverlayRecentDB
	backing *leveldb.DB
	dbCfg   config.JournalConfig
	log     log.Logger
}

func newClient(backing *leveldb.DB, engine consensus.Engine, cfg config.JournalConfig) (*client, error) {
	db, err := journaldb.New(backing, cfg)
	if err != nil {
		return nil, err
	}
	return &client{engine: engine, db: db, backing: backing, dbCfg: cfg, log: log.New("module", "client")}, nil
}

// ImportBlock verifies and commits a single block, journaling it under an
// era keyed by block number and immediately marking it canonical -- an
// offline bulk import has no competing forks to keep rewindable history
// for, unlike the downloader's online import path.
func (c *client) ImportBlock(block *downloader.Block) error {
	if err := c.engine.VerifyBlockBasic(block.Header); err != nil {
		return err
	}
	if err := c.engine.VerifyBlockUnordered(nil, block.Header); err != nil {
		return err
	}

	headerRLP, err := rlp.EncodeToBytes(block.Header)
	if err != nil {
		return err
	}
	bodyRLP, err := rlp.EncodeToBytes(block.Body)
	if err != nil {
		return err
	}

	hash := block.Hash()
	c.db.Emplace(headerKey(hash), headerRLP)
	c.db.Emplace(bodyKey(hash), bodyRLP)

	era := block.Number()
	batch := new(leveldb.Batch)
	if _, err := c.db.JournalUnder(batch, era, hash); err != nil {
		return err
	}
	if _, err := c.db.MarkCanonical(batch, era, hash); err != nil {
		return err
	}
	if err := c.backing.Write(batch, nil); err != nil {
		return err
	}

	c.log.Info("imported block", "number", era, "hash", hash)
	return nil
}

// RestoreDB implements snapshot.DatabaseRestore: it reopens the backing
// store at path, replacing the one the journal database reads through.
// A real client would also restart any long-lived readers; this CLI has
// none beyond the journal database itself.
func (c *client) RestoreDB(path string) error {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return err
	}
	jdb, err := journaldb.New(db, c.dbCfg)
	if err != nil {
		return err
	}
	c.backing = db
	c.db = jdb
	return nil
}

// headerKey/bodyKey derive distinct content-addressed keys per block hash so
// a header and its body never collide in the shared key space -- plain
// concatenation would risk a byte-for-byte overlap with some other record,
// so each is re-hashed under its own namespace prefix.
func headerKey(hash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte("h"), hash[:])
}

func bodyKey(hash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte("b"), hash[:])
}
