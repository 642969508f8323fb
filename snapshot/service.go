// Copyright 2024 The ethcore authors.
// This file is part of the ethcore library.

package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/parity-go/ethcore/chainerr"
	"github.com/parity-go/ethcore/consensus"
	"github.com/parity-go/ethcore/internal/config"
)

// DatabaseRestore is implemented by whatever owns the live backing
// database; finalizing a restoration asks it to adopt the freshly restored
// database in place of its current one.
type DatabaseRestore interface {
	RestoreDB(path string) error
}

// RebuilderFactory constructs the pair of sub-rebuilders a Restoration
// drives, scoped to dir (the restoration database's directory). Concrete
// trie/chain reconstruction is a collaborator outside this package's
// scope; it only drives the feed/finalize protocol against whatever
// factory the caller supplies, the same polymorphic-engine pattern
// consensus.Engine uses.
type RebuilderFactory interface {
	NewRebuilders(dir string, manifest ManifestData, genesis []byte) (StateRebuilder, BlockRebuilder, error)
}

// StateChunkProducer emits the snapshot's state chunks for a production
// run, in the raw (uncompressed) form; the service hashes and
// snappy-compresses each before writing it.
type StateChunkProducer interface {
	ProduceState(stateRoot common.Hash, emit func(raw []byte) error) error
}

// BlockChunkProducer emits the snapshot's block chunks for a production
// run.
type BlockChunkProducer interface {
	ProduceBlocks(blockHash common.Hash, emit func(raw []byte) error) error
}

// RestorationKind tags which variant of RestorationStatus is populated.
type RestorationKind int

const (
	StatusInactive RestorationKind = iota
	StatusInitializing
	StatusOngoing
	StatusFinalizing
	StatusFailed
)

func (k RestorationKind) String() string {
	switch k {
	case StatusInactive:
		return "inactive"
	case StatusInitializing:
		return "initializing"
	case StatusOngoing:
		return "ongoing"
	case StatusFinalizing:
		return "finalizing"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RestorationStatus reports the snapshot service's restoration progress.
type RestorationStatus struct {
	Kind            RestorationKind
	StateChunks     uint32
	BlockChunks     uint32
	StateChunksDone uint32
	BlockChunksDone uint32
}

// ServiceParams bundles everything Service needs to construct itself.
type ServiceParams struct {
	Engine       consensus.Engine
	GenesisBlock []byte
	Rebuilders   RebuilderFactory
	SnapshotRoot string
	Client       DatabaseRestore
	Config       config.SnapshotConfig

	// StateProducer/BlockProducer supply TakeSnapshot's chunk stream; nil
	// disables production (a restore-only deployment).
	StateProducer StateChunkProducer
	BlockProducer BlockChunkProducer

	// Source/Dest support ancient-block migration during finalization;
	// nil disables migration (no ancient blocks to carry forward).
	Source SourceChain
	Dest   DestChain
}

// Service implements the snapshot network service: it controls taking
// snapshots and restoring from them.
type Service struct {
	restorationMu sync.Mutex
	restoration   *Restoration

	statusMu sync.Mutex
	status   RestorationStatus

	readerMu sync.RWMutex
	reader   *looseReader

	snapshotRoot string
	engine       consensus.Engine
	genesisBlock []byte
	rebuilders   RebuilderFactory
	client       DatabaseRestore
	cfg          config.SnapshotConfig

	stateProducer StateChunkProducer
	blockProducer BlockChunkProducer
	source        SourceChain
	dest          DestChain

	stateChunks int64
	blockChunks int64

	progress          Progress
	takingSnapshot    int32
	restoringSnapshot int32

	log log.Logger
}

// NewService constructs a Service rooted at params.SnapshotRoot, clearing
// any stale restoration-in-progress directories left by a previous crash.
func NewService(params ServiceParams) (*Service, error) {
	s := &Service{
		snapshotRoot:  params.SnapshotRoot,
		engine:        params.Engine,
		genesisBlock:  params.GenesisBlock,
		rebuilders:    params.Rebuilders,
		client:        params.Client,
		cfg:           params.Config,
		stateProducer: params.StateProducer,
		blockProducer: params.BlockProducer,
		source:        params.Source,
		dest:          params.Dest,
		status:        RestorationStatus{Kind: StatusInactive},
		log:           log.New("module", "snapshot"),
	}

	if err := os.MkdirAll(s.snapshotRoot, 0o755); err != nil {
		return nil, err
	}
	if err := os.RemoveAll(s.restorationDB()); err != nil {
		return nil, err
	}
	if err := os.RemoveAll(s.tempSnapshotDir()); err != nil {
		return nil, err
	}

	if r, err := newLooseReader(s.snapshotDir()); err == nil {
		s.reader = r
	}
	return s, nil
}

// -- directory layout --

func (s *Service) snapshotDir() string     { return filepath.Join(s.snapshotRoot, "current") }
func (s *Service) tempSnapshotDir() string { return filepath.Join(s.snapshotRoot, "in_progress") }
func (s *Service) restorationDir() string  { return filepath.Join(s.snapshotRoot, "restoration") }
func (s *Service) restorationDB() string   { return filepath.Join(s.restorationDir(), "db") }
func (s *Service) tempRecoveryDir() string { return filepath.Join(s.restorationDir(), "temp") }
func (s *Service) prevChunksDir() string   { return filepath.Join(s.snapshotRoot, "prev_chunks") }

// Manifest returns the currently available snapshot's manifest, if any.
func (s *Service) Manifest() (ManifestData, bool) {
	s.readerMu.RLock()
	defer s.readerMu.RUnlock()
	if s.reader == nil {
		return ManifestData{}, false
	}
	return s.reader.Manifest(), true
}

// Chunk returns the raw bytes of the chunk addressed by hash from the
// currently available snapshot.
func (s *Service) Chunk(hash common.Hash) ([]byte, bool) {
	s.readerMu.RLock()
	defer s.readerMu.RUnlock()
	if s.reader == nil {
		return nil, false
	}
	raw, err := s.reader.Chunk(hash)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// Status reports the current restoration status, refreshing the
// in-progress chunk-done counters from the atomics they're tracked in.
func (s *Service) Status() RestorationStatus {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	switch s.status.Kind {
	case StatusInitializing:
		s.status.StateChunksDone = uint32(atomic.LoadInt64(&s.stateChunks))
		s.status.BlockChunksDone = uint32(atomic.LoadInt64(&s.blockChunks))
	case StatusOngoing:
		s.status.StateChunksDone = uint32(atomic.LoadInt64(&s.stateChunks))
		s.status.BlockChunksDone = uint32(atomic.LoadInt64(&s.blockChunks))
	}
	return s.status
}

// CompletedChunks returns every chunk hash the active restoration has
// already resolved, or false if no restoration is in progress.
func (s *Service) CompletedChunks() ([]common.Hash, bool) {
	s.restorationMu.Lock()
	defer s.restorationMu.Unlock()
	if s.restoration == nil {
		return nil, false
	}
	return s.restoration.completedChunks(), true
}

// InitRestore clears any previous restoration state and begins a new one
// against manifest, optionally (when recover is set) persisting fed
// chunks to a recovery directory so an aborted restore can resume.
func (s *Service) InitRestore(manifest ManifestData, recover bool) error {
	s.restorationMu.Lock()
	defer s.restorationMu.Unlock()

	prevChunks := s.prevChunksDir()
	if err := os.RemoveAll(prevChunks); err != nil {
		return err
	}
	// Best-effort resumption: salvage a previous recovery directory.
	_ = os.Rename(s.tempRecoveryDir(), prevChunks)

	atomic.StoreInt64(&s.stateChunks, 0)
	atomic.StoreInt64(&s.blockChunks, 0)
	s.restoration = nil

	if err := os.RemoveAll(s.restorationDir()); err != nil {
		return err
	}

	s.statusMu.Lock()
	s.status = RestorationStatus{
		Kind:        StatusInitializing,
		StateChunks: uint32(len(manifest.StateHashes)),
		BlockChunks: uint32(len(manifest.BlockHashes)),
	}
	s.statusMu.Unlock()

	if err := os.MkdirAll(s.restorationDir(), 0o755); err != nil {
		return err
	}

	var writer *looseWriter
	if recover {
		w, err := newLooseWriter(s.tempRecoveryDir())
		if err != nil {
			return err
		}
		writer = w
	}

	state, blocks, err := s.rebuilders.NewRebuilders(s.restorationDB(), manifest, s.genesisBlock)
	if err != nil {
		return err
	}

	s.restoration = NewRestoration(RestorationParams{
		Manifest: manifest,
		State:    state,
		Blocks:   blocks,
		Writer:   writer,
		Guard:    newDirGuard(s.restorationDB()),
		Engine:   s.engine,
		MaxChunk: s.cfg.MaxChunkSize,
	})

	atomic.StoreInt32(&s.restoringSnapshot, 1)

	s.importPrevChunks(prevChunks, manifest)

	s.statusMu.Lock()
	if s.status.Kind == StatusInitializing {
		s.status.Kind = StatusOngoing
		s.status.StateChunksDone = uint32(atomic.LoadInt64(&s.stateChunks))
		s.status.BlockChunksDone = uint32(atomic.LoadInt64(&s.blockChunks))
	}
	s.statusMu.Unlock()

	return nil
}

// importPrevChunks re-feeds chunks salvaged from a previous, aborted
// restoration. Each file is independent -- reading and snappy-decoding it
// needs no shared state -- so they're fanned out with errgroup rather
// than walked one at a time; feedChunk still serializes the actual
// restoration mutation through restorationMu. Individual failures are
// logged and skipped, never fatal to InitRestore.
func (s *Service) importPrevChunks(dir string, manifest ManifestData) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var g errgroup.Group
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			if atomic.LoadInt32(&s.restoringSnapshot) == 0 {
				return nil
			}
			path := filepath.Join(dir, entry.Name())
			raw, err := os.ReadFile(path)
			if err != nil {
				return nil
			}
			decompressed, err := decodeChunk(raw, s.cfg.MaxChunkSize)
			if err != nil {
				return nil
			}
			hash := chunkHash(decompressed)

			isBlock := contains(manifest.BlockHashes, hash)
			isState := !isBlock && contains(manifest.StateHashes, hash)
			if !isBlock && !isState {
				return nil
			}
			if err := s.feedChunk(hash, raw, isState); err != nil {
				s.log.Trace("error importing salvaged chunk", "hash", hash, "err", err)
			}
			return nil
		})
	}
	g.Wait() // every Go func above always returns nil; this only waits.

	os.RemoveAll(dir)
}

func contains(hashes []common.Hash, h common.Hash) bool {
	for _, c := range hashes {
		if c == h {
			return true
		}
	}
	return false
}

// FeedStateChunk feeds a state chunk to the in-progress restoration
// synchronously.
func (s *Service) FeedStateChunk(hash common.Hash, chunk []byte) {
	if err := s.feedChunk(hash, chunk, true); err != nil {
		s.log.Warn("error feeding state chunk", "hash", hash, "err", err)
	}
}

// FeedBlockChunk feeds a block chunk to the in-progress restoration
// synchronously.
func (s *Service) FeedBlockChunk(hash common.Hash, chunk []byte) {
	if err := s.feedChunk(hash, chunk, false); err != nil {
		s.log.Warn("error feeding block chunk", "hash", hash, "err", err)
	}
}

func (s *Service) feedChunk(hash common.Hash, chunk []byte, isState bool) error {
	switch s.Status().Kind {
	case StatusInactive, StatusFailed, StatusFinalizing:
		return nil
	}

	s.restorationMu.Lock()
	rest := s.restoration
	if rest == nil {
		s.restorationMu.Unlock()
		return nil
	}

	var err error
	if isState {
		err = rest.FeedState(hash, chunk)
	} else {
		err = rest.FeedBlocks(hash, chunk)
	}
	if err != nil {
		s.restorationMu.Unlock()
		return err
	}

	if isState {
		atomic.AddInt64(&s.stateChunks, 1)
	} else {
		atomic.AddInt64(&s.blockChunks, 1)
	}

	done := rest.IsDone()
	s.restorationMu.Unlock()

	if done {
		return s.finalizeRestoration()
	}
	return nil
}

// finalizeRestoration tears down the in-progress restoration, migrates any
// ancient blocks, swaps the client's backing database, and (when
// recovering) promotes the recovery directory to the current snapshot.
func (s *Service) finalizeRestoration() error {
	s.statusMu.Lock()
	s.status = RestorationStatus{Kind: StatusFinalizing}
	s.statusMu.Unlock()

	s.restorationMu.Lock()
	rest := s.restoration
	s.restoration = nil
	s.restorationMu.Unlock()

	recovering := rest != nil && rest.writer != nil

	if rest != nil {
		if err := rest.Finalize(); err != nil {
			return s.failRestoration(err)
		}
	}

	if s.source != nil && s.dest != nil {
		migrated, err := migrateBlocks(s.source, s.dest, s.cfg, &s.progress, s.log)
		if err != nil {
			return s.failRestoration(err)
		}
		s.log.Info("migrated ancient blocks", "count", migrated)
	}

	if err := s.client.RestoreDB(s.restorationDB()); err != nil {
		return s.failRestoration(err)
	}

	if recovering {
		s.readerMu.Lock()
		s.reader = nil
		snapshotDir := s.snapshotDir()
		if _, err := os.Stat(snapshotDir); err == nil {
			if err := os.RemoveAll(snapshotDir); err != nil {
				s.readerMu.Unlock()
				return s.failRestoration(err)
			}
		}
		if err := os.Rename(s.tempRecoveryDir(), snapshotDir); err != nil {
			s.readerMu.Unlock()
			return s.failRestoration(err)
		}
		reader, err := newLooseReader(snapshotDir)
		if err != nil {
			s.readerMu.Unlock()
			return s.failRestoration(err)
		}
		s.reader = reader
		s.readerMu.Unlock()
	}

	os.RemoveAll(s.restorationDir())

	s.statusMu.Lock()
	s.status = RestorationStatus{Kind: StatusInactive}
	s.statusMu.Unlock()
	return nil
}

// failRestoration is the shared error path for snapshot errors other than
// ChunkTooLarge/RestorationAborted: abort, mark Failed, remove the
// restoration directory.
func (s *Service) failRestoration(cause error) error {
	atomic.StoreInt32(&s.restoringSnapshot, 0)
	s.statusMu.Lock()
	s.status = RestorationStatus{Kind: StatusFailed}
	s.statusMu.Unlock()
	os.RemoveAll(s.restorationDir())
	return cause
}

// AbortRestore idempotently cancels any in-progress restoration.
func (s *Service) AbortRestore() {
	atomic.StoreInt32(&s.restoringSnapshot, 0)
	s.restorationMu.Lock()
	s.restoration = nil
	s.restorationMu.Unlock()
	s.statusMu.Lock()
	s.status = RestorationStatus{Kind: StatusInactive}
	s.statusMu.Unlock()
}

// AbortSnapshot requests that an in-progress TakeSnapshot stop at its next
// poll.
func (s *Service) AbortSnapshot() {
	if atomic.LoadInt32(&s.takingSnapshot) != 0 {
		s.progress.Abort()
	}
}

// Shutdown aborts any in-progress restoration and snapshot production;
// callers should invoke it once on their own shutdown path.
func (s *Service) Shutdown() {
	s.AbortRestore()
	s.AbortSnapshot()
}

// Progress returns a live view of the current (or most recent) snapshot
// production run's counters.
func (s *Service) Progress() ProgressSnapshot { return s.progress.Snapshot() }

// TakeSnapshot produces a new snapshot of the block identified by
// (blockNumber, blockHash, stateRoot), writing chunks to a temporary
// directory and renaming it to current/ only once every chunk has been
// written successfully.
func (s *Service) TakeSnapshot(blockNumber uint64, blockHash, stateRoot common.Hash) error {
	if !atomic.CompareAndSwapInt32(&s.takingSnapshot, 0, 1) {
		return fmt.Errorf("snapshot: production already in progress")
	}
	defer atomic.StoreInt32(&s.takingSnapshot, 0)

	s.progress.reset()

	temp := s.tempSnapshotDir()
	if err := os.RemoveAll(temp); err != nil {
		return err
	}
	writer, err := newLooseWriter(temp)
	if err != nil {
		return err
	}
	guard := newDirGuard(temp)
	defer guard.cleanup()

	if s.stateProducer != nil {
		err := s.stateProducer.ProduceState(stateRoot, func(raw []byte) error {
			if s.progress.Aborted() {
				return chainerr.ErrRestorationAborted
			}
			hash := chunkHash(raw)
			if err := writer.writeStateChunk(hash, encodeChunk(raw)); err != nil {
				return err
			}
			s.progress.AddAccounts(1)
			s.progress.AddBytes(uint64(len(raw)))
			return nil
		})
		if err != nil {
			return err
		}
	}

	if s.blockProducer != nil {
		err := s.blockProducer.ProduceBlocks(blockHash, func(raw []byte) error {
			if s.progress.Aborted() {
				return chainerr.ErrRestorationAborted
			}
			hash := chunkHash(raw)
			if err := writer.writeBlockChunk(hash, encodeChunk(raw)); err != nil {
				return err
			}
			s.progress.AddBlocks(1)
			s.progress.AddBytes(uint64(len(raw)))
			return nil
		})
		if err != nil {
			return err
		}
	}

	manifest, err := writer.finish(ManifestData{
		Version:     2,
		StateRoot:   stateRoot,
		BlockNumber: blockNumber,
		BlockHash:   blockHash,
	})
	if err != nil {
		return err
	}

	snapshotDir := s.snapshotDir()
	if err := os.RemoveAll(snapshotDir); err != nil {
		return err
	}
	if err := os.Rename(temp, snapshotDir); err != nil {
		return err
	}
	guard.disarm()

	reader, err := newLooseReader(snapshotDir)
	if err != nil {
		return err
	}
	s.readerMu.Lock()
	s.reader = reader
	s.readerMu.Unlock()

	s.log.Info("snapshot complete", "block", blockNumber, "state_hashes", len(manifest.StateHashes), "block_hashes", len(manifest.BlockHashes))
	return nil
}
