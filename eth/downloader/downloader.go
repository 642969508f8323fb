// Copyright 2024 The ethcore authors.
// This file is part of the ethcore library.

// Package downloader implements the resumable, multi-peer block-sync
// pipeline: subchain discovery, header/body/receipt fetch planning,
// out-of-order validation and in-order import under backpressure.
package downloader

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/parity-go/ethcore/chainerr"
	"github.com/parity-go/ethcore/consensus"
	"github.com/parity-go/ethcore/internal/config"
)

// Phase is one of the downloader's four top-level states: Idle -> ChainHead
// -> Blocks -> Complete, with Blocks -> Idle on reset.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseChainHead
	PhaseBlocks
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseChainHead:
		return "chainhead"
	case PhaseBlocks:
		return "blocks"
	case PhaseComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Block is the fully assembled unit the downloader hands to the import
// queue: header, body and (when requested) receipts.
type Block struct {
	Header   *types.Header
	Body     *types.Body
	Receipts types.Receipts
}

// Hash returns the block's header hash.
func (b *Block) Hash() common.Hash { return b.Header.Hash() }

// Number returns the block's number.
func (b *Block) Number() uint64 { return b.Header.Number.Uint64() }

// ImportFunc hands a single assembled block to the chain. Its error is
// classified into one of chainerr's severities: chainerr.ErrAlreadyInChain,
// chainerr.ErrAlreadyQueued, chainerr.ErrUnknownParent, or a *chainerr.FullQueue.
type ImportFunc func(*Block) error

// Downloader drives a peer population toward a target chain head. It is
// single-threaded cooperative: callers must serialize calls to its exported
// methods, each of which corresponds to one peer event or one tick.
type Downloader struct {
	cfg         config.DownloaderConfig
	engine      consensus.Engine
	peers       *PeerSet
	importBlock ImportFunc

	mu sync.Mutex

	phase Phase
	q     *queue

	lastImportedHash   common.Hash
	lastImportedNumber uint64

	expectedHeadersReq HeadersRequest
	uselessRounds      int
	subchain           *subchain
	subchainHeads      []consensus.BlockID

	// roundParents is the fixed-size ring buffer of recently imported
	// parent hashes used for reorg detection (bounded to RoundParentsWindow
	// entries, typically 16).
	roundParents []common.Hash

	retractDepth uint64 // current backoff depth of the common-ancestor retract step

	log log.Logger
}

// New creates a Downloader seeded at genesis/lastImported.
func New(cfg config.DownloaderConfig, engine consensus.Engine, peers *PeerSet, lastImported consensus.BlockID, importBlock ImportFunc) *Downloader {
	return &Downloader{
		cfg:                cfg,
		engine:             engine,
		peers:              peers,
		importBlock:        importBlock,
		phase:              PhaseIdle,
		q:                  newQueue(),
		lastImportedHash:   lastImported.Hash,
		lastImportedNumber: lastImported.Number,
		retractDepth:       1,
		log:                log.New("module", "downloader"),
	}
}

// Phase returns the downloader's current top-level state.
func (d *Downloader) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// Reset cancels any in-flight round and returns the downloader to Idle.
// Cancellation is cooperative: it only takes effect the next time a caller
// invokes one of the Downloader's methods.
func (d *Downloader) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
}

func (d *Downloader) resetLocked() {
	d.phase = PhaseIdle
	d.q.reset()
	d.uselessRounds = 0
	d.subchain = nil
	d.subchainHeads = nil
	d.log.Debug("downloader reset to idle")
}

// Start begins a sync round by requesting the ChainHead subchain.
func (d *Downloader) Start() HeadersRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.phase = PhaseChainHead
	d.expectedHeadersReq = chainHeadRequest(d.cfg, d.lastImportedHash)
	return d.expectedHeadersReq
}

// ImportChainHead handles the response to the ChainHead request: it
// validates the sparse subchain and, if useful, switches to the Blocks
// phase. Returns errBadPeer (peer should be treated as invalid) if the
// response fails the subchain validity checks.
func (d *Downloader) ImportChainHead(peerID string, headers []*types.Header) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.phase != PhaseChainHead {
		return errStaleDelivery
	}
	return d.importChainHeadLocked(peerID, headers)
}

func (d *Downloader) importChainHeadLocked(peerID string, headers []*types.Header) error {
	if !validateSubchainHeads(d.expectedHeadersReq, d.expectedHeadersReq.Start, headers) {
		return errBadPeer
	}

	useful := usefulHeaders(headers, d.lastImportedNumber)
	if useful == 0 {
		d.uselessRounds++
		if d.subchain != nil && d.subchain.Head != d.subchain.Tail && d.uselessRounds >= d.cfg.MaxUselessHeaderRounds {
			d.resetLocked()
			return nil
		}
		return nil
	}
	d.uselessRounds = 0

	d.subchain = &subchain{Head: headers[len(headers)-1].Number.Uint64(), Tail: headers[0].Number.Uint64()}
	d.subchainHeads = d.subchainHeads[:0]
	for _, h := range headers {
		d.subchainHeads = append(d.subchainHeads, consensus.BlockID{Number: h.Number.Uint64(), Hash: h.Hash()})
	}
	// Switching to Blocks resets peer download state.
	d.q.reset()
	d.phase = PhaseBlocks
	for _, bid := range d.subchainHeads {
		d.q.scheduleHeader(bid.Hash, bid.Number, false)
	}
	d.log.Debug("chain head discovered", "peer", peerID, "head", d.subchain.Head, "tail", d.subchain.Tail)
	return nil
}

// RequestBlocks plans the next batch of header/body/receipt requests for an
// idle peer during the Blocks phase.
func (d *Downloader) RequestBlocks(peerID string) (headers, bodies, receipts []common.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.phase != PhaseBlocks {
		return nil, nil, nil
	}
	peer := d.peers.Get(peerID)
	if peer == nil {
		return nil, nil, nil
	}
	if peer.beginRequest(requestHeaders) == nil {
		headers = d.q.pendingHeaders(d.cfg.MaxHeadersToRequest)
		if len(headers) == 0 {
			peer.endRequest(requestHeaders, 0)
		}
	}
	if peer.beginRequest(requestBodies) == nil {
		bodies = d.q.pendingBodies(peer.BodiesLimit(d.cfg))
		if len(bodies) == 0 {
			peer.endRequest(requestBodies, 0)
		}
	}
	if peer.beginRequest(requestReceipts) == nil {
		receipts = d.q.pendingReceipts(d.cfg.MaxReceiptsToRequest)
		if len(receipts) == 0 {
			peer.endRequest(requestReceipts, 0)
		}
	}
	return headers, bodies, receipts
}

// ImportHeaders delivers headers fetched during the Blocks phase. Each is
// validated out of order via VerifyBlockUnordered before being accepted
// into the queue.
func (d *Downloader) ImportHeaders(peerID string, headers []*types.Header) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if peer := d.peers.Get(peerID); peer != nil {
		peer.endRequest(requestHeaders, peer.RTT())
	}
	for _, h := range headers {
		if err := d.engine.VerifyBlockUnordered(nil, h); err != nil {
			d.log.Warn("rejected header", "number", h.Number, "err", err)
			continue
		}
		d.q.deliverHeader(h)
	}
	return nil
}

// ImportBodies delivers bodies keyed by header hash.
func (d *Downloader) ImportBodies(peerID string, bodies map[common.Hash]*types.Body) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if peer := d.peers.Get(peerID); peer != nil {
		peer.endRequest(requestBodies, peer.RTT())
	}
	for hash, body := range bodies {
		d.q.deliverBody(hash, body)
	}
	return nil
}

// ImportReceipts delivers receipts keyed by header hash, used for the
// OldBlocks ancient-backfill set.
func (d *Downloader) ImportReceipts(peerID string, receipts map[common.Hash]types.Receipts) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if peer := d.peers.Get(peerID); peer != nil {
		peer.endRequest(requestReceipts, peer.RTT())
	}
	for hash, r := range receipts {
		d.q.deliverReceipts(hash, r)
	}
	return nil
}

// Tick drains every consecutively complete block and imports it. It returns
// the number of blocks imported and whether a reset was requested.
func (d *Downloader) Tick() (imported int, resetRequested bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.phase != PhaseBlocks {
		return 0, false
	}
	for _, it := range d.q.drainComplete() {
		if it.state == stateInChain || it.state == stateBad {
			continue
		}
		block := &Block{Header: it.header, Body: it.body, Receipts: it.receipts}
		err := d.importBlock(block)
		switch chainerr.Classify(err) {
		case chainerr.SeverityBlock:
			d.q.markInChain(it.hash)
			d.advance(it)
			imported++
		case chainerr.SeverityPeer:
			d.q.markBad(it.hash)
			d.log.Warn("block rejected", "number", it.number, "err", err)
		case chainerr.SeverityReset:
			d.q.markBad(it.hash)
			d.log.Debug("import broke the drain, requesting reset", "number", it.number, "err", err)
			d.resetLocked()
			return imported, true
		}
	}
	if d.q.empty() && d.subchain != nil {
		d.phase = PhaseComplete
	}
	return imported, false
}

// advance records a successfully imported block's hash/number as the new
// cursor, and pushes its parent hash into the round-parents ring, used for
// reorg detection.
func (d *Downloader) advance(it *item) {
	d.lastImportedHash = it.hash
	d.lastImportedNumber = it.number
	d.roundParents = append(d.roundParents, it.header.ParentHash)
	if len(d.roundParents) > d.cfg.RoundParentsWindow {
		d.roundParents = d.roundParents[len(d.roundParents)-d.cfg.RoundParentsWindow:]
	}
}

// LastImported returns the most recently imported block's identity.
func (d *Downloader) LastImported() consensus.BlockID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return consensus.BlockID{Number: d.lastImportedNumber, Hash: d.lastImportedHash}
}

// Retract doubles the backoff depth used to search for a common ancestor
// with a peer that shares no recent history. Each retry doubles the depth
// until a common ancestor is found; failing to find one within maxDepth
// resets the downloader.
func (d *Downloader) Retract(maxDepth uint64) (depth uint64, exhausted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retractDepth *= 2
	if d.retractDepth > maxDepth {
		d.resetLocked()
		return 0, true
	}
	return d.retractDepth, false
}

// ResetRetract restores the retract depth to its initial value once a
// common ancestor has been found.
func (d *Downloader) ResetRetract() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retractDepth = 1
}
