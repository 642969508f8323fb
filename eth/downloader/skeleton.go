// Copyright 2024 The ethcore authors.
// This file is part of the ethcore library.

package downloader

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/parity-go/ethcore/internal/config"
)

// HeadersRequest is the request shape the ChainHead phase emits: "count
// headers, starting at start, every skip+1'th one".
type HeadersRequest struct {
	Start common.Hash
	Count int
	Skip  int
}

// chainHeadRequest builds the sparse-header request that kicks off subchain
// discovery: start at the last imported hash, request SubchainSize headers,
// skipping MaxHeadersToRequest-2 between each.
func chainHeadRequest(cfg config.DownloaderConfig, lastImported common.Hash) HeadersRequest {
	return HeadersRequest{
		Start: lastImported,
		Count: cfg.SubchainSize,
		Skip:  cfg.MaxHeadersToRequest - 2,
	}
}

// validateSubchainHeads checks a ChainHead response against the downloader's
// validity rules:
//   - the first header chains back to start, either directly (its hash
//     equals start) or as start's immediate child (its parent hash equals
//     start)
//   - successive header numbers differ by exactly skip+1
//   - when skip is zero, consecutive headers are linked by parent hash
func validateSubchainHeads(req HeadersRequest, start common.Hash, headers []*types.Header) bool {
	if len(headers) == 0 {
		return false
	}
	if headers[0].ParentHash != start && headers[0].Hash() != start {
		return false
	}
	for i := 1; i < len(headers); i++ {
		prev, cur := headers[i-1], headers[i]
		if cur.Number.Uint64() != prev.Number.Uint64()+uint64(req.Skip+1) {
			return false
		}
		if req.Skip == 0 && cur.ParentHash != prev.Hash() {
			return false
		}
	}
	return true
}

// subchain is a contiguous, possibly sparse, span of discovered headers,
// identified by its newest (Head) and oldest (Tail) block numbers.
type subchain struct {
	Head uint64
	Tail uint64
}

// usefulHeaders counts how many of the delivered headers extend beyond
// everything already known, which governs the useless-headers backoff
// counter.
func usefulHeaders(headers []*types.Header, knownUpTo uint64) int {
	n := 0
	for _, h := range headers {
		if h.Number.Uint64() > knownUpTo {
			n++
		}
	}
	return n
}
