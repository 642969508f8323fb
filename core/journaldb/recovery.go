// Copyright 2024 The ethcore authors.
// This file is part of the ethcore library.

package journaldb

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
)

// readOverlay reconstructs a journalOverlay by walking era records backward
// from LATEST_ERA: for each era, read index 0, 1, 2, … until a gap, then
// step down to era-1, stopping at era 0 or at the first era with no
// records at all.
func readOverlay(backing *leveldb.DB) (*journalOverlay, error) {
	overlay := newJournalOverlay()

	latestRaw, err := backing.Get(latestEraKeyPrefix, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return overlay, nil
	}
	if err != nil {
		return nil, err
	}

	latest := decodeEra(latestRaw)
	era := latest
	earliest := latest
	for {
		index := uint64(0)
		for {
			raw, err := backing.Get(eraKey(era, index), nil)
			if errors.Is(err, leveldb.ErrNotFound) {
				break
			}
			if err != nil {
				return nil, err
			}
			rec, err := decodeRecord(raw)
			if err != nil {
				return nil, err
			}
			insertions := make([]common.Hash, 0, len(rec.Inserts))
			for _, e := range rec.Inserts {
				if !overlay.backingOverlay.contains(e.Key) {
					overlay.cumulativeSize += uint64(len(e.Value))
				}
				overlay.backingOverlay.emplace(e.Key, e.Value)
				insertions = append(insertions, e.Key)
			}
			overlay.journal[era] = append(overlay.journal[era], journalEntry{
				id:         rec.ID,
				insertions: insertions,
				deletions:  rec.Deletes,
			})
			earliest = era
			index++
		}
		if index == 0 || era == 0 {
			break
		}
		era--
	}

	overlay.latestEra = &latest
	overlay.earliestEra = &earliest
	return overlay, nil
}
