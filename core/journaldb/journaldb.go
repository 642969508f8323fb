// Copyright 2024 The ethcore authors.
// This file is part of the ethcore library.

// Package journaldb implements an overlay-recent journaling database: a
// hash-addressed content store whose writes are staged in a transaction
// overlay, journaled per era, and pruned once a branch's non-canonical
// records fall out of the retained history window.
package journaldb

import (
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/parity-go/ethcore/chainerr"
	"github.com/parity-go/ethcore/internal/config"
)

// OverlayRecentDB is a disk-backed content store with a bounded-history
// in-memory overlay.
type OverlayRecentDB struct {
	cfg     config.JournalConfig
	backing *leveldb.DB

	txOverlay *txOverlay

	mu      sync.RWMutex
	overlay *journalOverlay

	// cache fronts cold reads from backing: the overlay already serves
	// every key still inside the retained history window, so this only
	// ever holds values that have been flushed out of it -- the fast
	// in-memory layer fronting keys that have fallen out of the
	// refcounted overlay.
	cache *fastcache.Cache

	log log.Logger
}

// New opens an overlay-recent journal database over backing, reconstructing
// its in-memory overlay from whatever era records are already on disk.
func New(backing *leveldb.DB, cfg config.JournalConfig) (*OverlayRecentDB, error) {
	overlay, err := readOverlay(backing)
	if err != nil {
		return nil, err
	}
	cacheMB := cfg.BackingCacheMB
	if cacheMB == 0 {
		cacheMB = config.DefaultJournalBackingCacheMB
	}
	return &OverlayRecentDB{
		cfg:       cfg,
		backing:   backing,
		txOverlay: newTxOverlay(),
		overlay:   overlay,
		cache:     fastcache.New(cacheMB * 1024 * 1024),
		log:       log.New("module", "journaldb"),
	}, nil
}

// History returns the configured retained-history window K.
func (db *OverlayRecentDB) History() uint64 { return db.cfg.HistoryWindow }

// Insert hashes value with keccak256 and stages an insertion, returning the
// computed key.
func (db *OverlayRecentDB) Insert(value []byte) common.Hash {
	key := crypto.Keccak256Hash(value)
	db.Emplace(key, value)
	return key
}

// Emplace stages an insertion under an explicit key, bypassing hashing.
func (db *OverlayRecentDB) Emplace(key common.Hash, value []byte) {
	db.txOverlay.insert(key, value)
}

// Remove stages a removal of key.
func (db *OverlayRecentDB) Remove(key common.Hash) {
	db.txOverlay.remove(key)
}

// Get returns the value for key, reading through the transaction overlay,
// the history overlay, the pending cache and finally the backing store, in
// that order.
func (db *OverlayRecentDB) Get(key common.Hash) ([]byte, bool) {
	if v, ok := db.txOverlay.get(key); ok {
		return v, true
	}

	db.mu.RLock()
	v, ok := db.overlay.backingOverlay.get(key)
	if !ok {
		v, ok = db.overlay.pendingOverlay[key]
	}
	db.mu.RUnlock()
	if ok {
		return v, true
	}

	if cached, ok := db.cache.HasGet(nil, key[:]); ok {
		return cached, true
	}

	v, err := db.backing.Get(key[:], nil)
	if err != nil {
		return nil, false
	}
	db.cache.Set(key[:], v)
	return v, true
}

// Contains reports whether key resolves to a value anywhere in the read
// path.
func (db *OverlayRecentDB) Contains(key common.Hash) bool {
	_, ok := db.Get(key)
	return ok
}

// IsEmpty reports whether any era has ever been journaled.
func (db *OverlayRecentDB) IsEmpty() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.overlay.latestEra == nil
}

// LatestEra returns the highest era number ever journaled, if any.
func (db *OverlayRecentDB) LatestEra() (uint64, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.overlay.latestEra == nil {
		return 0, false
	}
	return *db.overlay.latestEra, true
}

// EarliestEra returns the oldest era with a record still retained, if any.
func (db *OverlayRecentDB) EarliestEra() (uint64, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.overlay.earliestEra == nil {
		return 0, false
	}
	return *db.overlay.earliestEra, true
}

// JournalSize returns the cumulative byte size of every value currently
// retained in the history overlay.
func (db *OverlayRecentDB) JournalSize() uint64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.overlay.cumulativeSize
}

// JournalUnder drains the transaction overlay into a new journal record at
// era, tagged with commitID, staging the record itself (and an updated
// LATEST_ERA pointer, when applicable) into batch. It returns the number of
// keys touched.
func (db *OverlayRecentDB) JournalUnder(batch *leveldb.Batch, era uint64, commitID common.Hash) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.overlay.pendingOverlay = make(map[common.Hash][]byte)

	ops := db.txOverlay.drain()

	var inserted, removed []common.Hash
	var insertedKV []kv
	for key, op := range ops {
		if op.count > 0 {
			inserted = append(inserted, key)
			insertedKV = append(insertedKV, kv{Key: key, Value: op.value})
		} else if op.count < 0 {
			removed = append(removed, key)
		}
	}

	for _, e := range insertedKV {
		if !db.overlay.backingOverlay.contains(e.Key) {
			db.overlay.cumulativeSize += uint64(len(e.Value))
		}
		db.overlay.backingOverlay.emplace(e.Key, e.Value)
	}

	index := uint64(len(db.overlay.journal[era]))
	encoded, err := encodeRecord(commitID, insertedKV, removed)
	if err != nil {
		return 0, err
	}
	batch.Put(eraKey(era, index), encoded)

	if db.overlay.latestEra == nil || era > *db.overlay.latestEra {
		e := era
		db.overlay.latestEra = &e
		batch.Put(latestEraKeyPrefix, encodeEra(era))
	}
	if db.overlay.earliestEra == nil || era < *db.overlay.earliestEra {
		e := era
		db.overlay.earliestEra = &e
	}

	db.overlay.journal[era] = append(db.overlay.journal[era], journalEntry{
		id:         commitID,
		insertions: inserted,
		deletions:  removed,
	})

	return len(inserted) + len(removed), nil
}

// MarkCanonical resolves every record journaled at endEra: the one whose id
// matches canonID has its insertions copied to the backing store (staged
// into batch) and its deletions applied (when no other retained era still
// references the key); every other record at endEra is simply dropped from
// the overlay. Every record's insertions lose one history-overlay
// reference regardless of canonical status, since the era is leaving the
// window.
func (db *OverlayRecentDB) MarkCanonical(batch *leveldb.Batch, endEra uint64, canonID common.Hash) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	records, ok := db.overlay.journal[endEra]
	if !ok {
		return 0, nil
	}

	var canonInsertions []kv
	var canonDeletions []common.Hash
	var overlayDeletions []common.Hash

	for index, rec := range records {
		batch.Delete(eraKey(endEra, uint64(index)))
		if rec.id == canonID {
			for _, h := range rec.insertions {
				if v, ok := db.overlay.backingOverlay.get(h); ok {
					canonInsertions = append(canonInsertions, kv{Key: h, Value: v})
				}
			}
			canonDeletions = rec.deletions
		}
		overlayDeletions = append(overlayDeletions, rec.insertions...)
	}

	ops := len(canonInsertions) + len(canonDeletions)

	for _, e := range canonInsertions {
		batch.Put(e.Key[:], e.Value)
		db.overlay.pendingOverlay[e.Key] = e.Value
		db.cache.Del(e.Key[:])
	}
	for _, h := range overlayDeletions {
		if val, purged := db.overlay.backingOverlay.removeOne(h); purged {
			db.overlay.cumulativeSize -= uint64(len(val))
		}
	}
	for _, h := range canonDeletions {
		delete(db.overlay.pendingOverlay, h)
		db.cache.Del(h[:])
		if !db.overlay.backingOverlay.contains(h) {
			batch.Delete(h[:])
		}
	}

	delete(db.overlay.journal, endEra)
	if len(db.overlay.journal) > 0 {
		next := endEra + 1
		db.overlay.earliestEra = &next
	}

	db.log.Debug("journal era marked canonical", "era", endEra, "canon", canonID, "ops", ops)
	return ops, nil
}

// Flush clears the pending cache populated by MarkCanonical, once a caller
// has observed its values written to the backing store.
func (db *OverlayRecentDB) Flush() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.overlay.pendingOverlay = make(map[common.Hash][]byte)
}

// Inject writes the transaction overlay directly to batch, bypassing
// journaling: a fast path for batch imports that do not need rewindable
// history. A negatively referenced
// hash -- a remove with no matching backing entry -- aborts the batch.
func (db *OverlayRecentDB) Inject(batch *leveldb.Batch) (int, error) {
	ops := db.txOverlay.drain()
	count := 0
	for key, op := range ops {
		switch {
		case op.count == 0:
			continue
		case op.count > 0:
			batch.Put(key[:], op.value)
			db.cache.Del(key[:])
			count++
		default:
			if _, err := db.backing.Get(key[:], nil); err != nil {
				return 0, chainerr.ErrNegativelyReferencedHash
			}
			batch.Delete(key[:])
			db.cache.Del(key[:])
			count++
		}
	}
	return count, nil
}
