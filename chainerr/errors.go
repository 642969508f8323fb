// Package chainerr collects the error taxonomy shared by the engine, the
// downloader, the journal database and the snapshot service. It mirrors
// go-ethereum's convention of small, comparable sentinel errors living next
// to the occasional value-carrying struct error, rather than a single
// catch-all error code.
package chainerr

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Block errors are fatal to a single block but not to the peer session that
// delivered it.
var (
	ErrInvalidSeal            = errors.New("invalid block seal")
	ErrInvalidProofOfWork     = errors.New("invalid proof-of-work")
	ErrInvalidDifficulty      = errors.New("non-matching block difficulty")
	ErrInvalidTimestamp       = errors.New("invalid block timestamp")
	ErrUnknownParent          = errors.New("unknown parent")
	ErrTemporarilyInvalid     = errors.New("block temporarily invalid")
	ErrRidiculousNumber       = errors.New("ridiculous block number")
	ErrMismatchedSealElement  = errors.New("mismatched H256 seal element")
)

// Import errors describe the outcome of handing a block to the chain.
var (
	ErrAlreadyInChain = errors.New("block already in chain")
	ErrAlreadyQueued  = errors.New("block already queued for import")
)

// FullQueue is returned when the import queue has reached its configured
// capacity; it carries the limit so callers can log it without a second
// lookup.
type FullQueue struct{ Limit int }

func (e *FullQueue) Error() string { return fmt.Sprintf("import queue full (limit %d)", e.Limit) }

// Engine errors are returned verbatim to the caller; the engine never retries.
var (
	ErrNotAuthorized          = errors.New("signer not authorized")
	ErrCliqueTooRecentlySigned = errors.New("signed recently, must wait for others")
	ErrCliqueInvalidSeal      = errors.New("invalid clique seal")
	ErrInvalidCheckpoint      = errors.New("invalid checkpoint (epoch) signer list")
)

// Snapshot errors.
var (
	ErrChunkTooLarge      = errors.New("snapshot chunk exceeds maximum size")
	ErrRestorationAborted = errors.New("snapshot restoration aborted")
	ErrSnapshotsUnsupported = errors.New("engine does not support snapshots")
	ErrInvalidStateRoot   = errors.New("restored state root mismatch")
)

// UnlinkedAncientBlockChain is fatal to ancient-block migration: the parent
// of the block being migrated could not be resolved to receipts or total
// difficulty.
type UnlinkedAncientBlockChain struct{ Parent common.Hash }

func (e *UnlinkedAncientBlockChain) Error() string {
	return fmt.Sprintf("unlinked ancient block chain at parent %s", e.Parent.Hex())
}

// Data errors originate from the journal database's overlay bookkeeping.
var (
	ErrNegativelyReferencedHash = errors.New("key removed more times than it was inserted")
	ErrAlreadyExists            = errors.New("key already exists")
)

// Severity classifies an error for logging/peer-management purposes,
// matching §7's policy (block rejections log at warn, peer bans at trace).
type Severity int

const (
	// SeverityBlock means only the block is rejected; the peer session and
	// any in-flight download state survive.
	SeverityBlock Severity = iota
	// SeverityPeer means the peer that supplied the data should be
	// deactivated for the remainder of the round.
	SeverityPeer
	// SeverityReset means the downloader itself must reset to Idle.
	SeverityReset
)

// Classify maps a block-import error to the action a downloader should take,
// following §4.2's backoff/reset policy and §7's per-component table.
func Classify(err error) Severity {
	switch {
	case err == nil:
		return SeverityBlock
	case errors.Is(err, ErrAlreadyInChain), errors.Is(err, ErrAlreadyQueued):
		return SeverityBlock
	case errors.Is(err, ErrUnknownParent), errors.Is(err, ErrTemporarilyInvalid):
		return SeverityReset
	case isFullQueue(err):
		return SeverityReset
	case errors.Is(err, ErrInvalidSeal), errors.Is(err, ErrInvalidProofOfWork), errors.Is(err, ErrInvalidDifficulty):
		return SeverityPeer
	default:
		return SeverityBlock
	}
}

func isFullQueue(err error) bool {
	var fq *FullQueue
	return errors.As(err, &fq)
}
