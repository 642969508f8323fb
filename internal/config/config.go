// Package config holds the plain Go configuration structs used by the
// engine, downloader and snapshot service. Nothing in this package reads
// configuration from a file, so these are constructed directly by
// callers, the way go-ethereum's params.CliqueConfig is.
package config

import "time"

// DefaultCliqueEpochLength is used when a CliqueConfig omits Epoch.
const DefaultCliqueEpochLength = 30000

// CliqueConfig tunes the Clique proof-of-authority engine.
type CliqueConfig struct {
	Period uint64 // Minimum seconds between two consecutive blocks' timestamps
	Epoch  uint64 // Number of blocks after which to reset pending votes and checkpoint the signer list
}

// DownloaderConfig tunes the block downloader.
type DownloaderConfig struct {
	SubchainSize          int // Number of headers requested during ChainHead discovery
	MaxHeadersToRequest   int // Maximum headers per Headers request
	MaxBodiesToRequest    int // Maximum bodies per request
	MaxReceiptsToRequest  int // Maximum receipts per request
	LowCapBodiesLimit     int // Bodies per request for peers below the capability threshold
	MaxUselessHeaderRounds int // Useless-header rounds before reset, with >1 subchain head present
	RoundParentsWindow    int // Size of the reorg-detection ring buffer
}

// DefaultDownloaderConfig returns the downloader's default tuning.
func DefaultDownloaderConfig() DownloaderConfig {
	return DownloaderConfig{
		SubchainSize:           256,
		MaxHeadersToRequest:    128,
		MaxBodiesToRequest:     128,
		MaxReceiptsToRequest:   256,
		LowCapBodiesLimit:      32,
		MaxUselessHeaderRounds: 3,
		RoundParentsWindow:     16,
	}
}

// JournalConfig tunes the journal database's retained-history window.
type JournalConfig struct {
	HistoryWindow  uint64 // K: number of eras for which non-canonical branches remain rewindable
	BackingCacheMB int    // Size of the read-through cache fronting the backing store; 0 picks a default
}

// DefaultJournalBackingCacheMB is used when a JournalConfig omits BackingCacheMB.
const DefaultJournalBackingCacheMB = 32

// SnapshotConfig tunes the snapshot service.
type SnapshotConfig struct {
	Root             string // snapshot root directory
	MaxChunkSize     int    // Maximum decompressed chunk size
	MigrateBatch     int    // Flush a DBTransaction every N ancient blocks migrated
	ProgressLogEvery int    // Log migration progress every N blocks
}

// DefaultSnapshotConfig returns the snapshot service's default tuning.
func DefaultSnapshotConfig(root string) SnapshotConfig {
	return SnapshotConfig{
		Root:             root,
		MaxChunkSize:     4 * 1024 * 1024,
		MigrateBatch:     1000,
		ProgressLogEvery: 10000,
	}
}

// PeerTimeout bounds how long the downloader waits for a request before
// considering the peer unresponsive, feeding the round-trip-time
// estimator's initial value.
const PeerTimeout = 15 * time.Second
