// Copyright 2024 The ethcore authors.
// This file is part of the ethcore library.

// Command ethcore-node is a thin CLI collaborator: it never implements
// account, wallet or signer logic itself, only dispatching to
// client.ImportBlock and snapshot.Service's TakeSnapshot (with Manifest and
// Chunk to read the result back) the way go-ethereum's cmd/geth dispatches
// flag-parsed subcommands into core/eth package calls. No subcommand starts
// a snapshot restoration.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/parity-go/ethcore/consensus/clique"
	"github.com/parity-go/ethcore/eth/downloader"
	"github.com/parity-go/ethcore/internal/config"
	"github.com/parity-go/ethcore/snapshot"
)

// errOutOfScope is returned by the account/wallet/signer subcommands: this
// binary only dispatches to its core collaborators, it never implements
// account, wallet or signer logic itself.
var errOutOfScope = errors.New("ethcore-node: out of scope, this binary only dispatches to the core collaborators")

var (
	datadirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "data directory for the journal database and snapshot root",
		Value: "./ethcore-data",
	}
)

func main() {
	// Mirrors cmd/geth's own main(): let GOMAXPROCS track the container's
	// cgroup CPU quota rather than the host's full core count.
	if _, err := maxprocs.Set(maxprocs.Logger(func(string, ...interface{}) {})); err != nil {
		log.Warn("failed to set GOMAXPROCS", "err", err)
	}
	// The undo func above is intentionally discarded: ethcore-node never
	// needs to restore the original GOMAXPROCS within its own process.

	app := &cli.App{
		Name:  "ethcore-node",
		Usage: "block-sync and consensus substrate node",
		Flags: []cli.Flag{datadirFlag},
		Commands: []*cli.Command{
			importCommand,
			exportCommand,
			accountCommand,
			walletCommand,
			signerCommand,
			daemonCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error("ethcore-node", "err", err)
		os.Exit(1)
	}
}

var importCommand = &cli.Command{
	Name:      "import",
	Usage:     "import an RLP-encoded chain of blocks from a file",
	ArgsUsage: "<file>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("import: expected exactly one file argument")
		}
		return runImport(c.String("datadir"), c.Args().First())
	},
}

var exportCommand = &cli.Command{
	Name:  "export",
	Usage: "export blocks or state to a file",
	Subcommands: []*cli.Command{
		{
			Name:      "state",
			Usage:     "trigger state+block snapshot production, writing chunk files under <file>",
			ArgsUsage: "<file>",
			Flags: []cli.Flag{
				&cli.Uint64Flag{Name: "number", Usage: "block number the snapshot is taken at"},
				&cli.StringFlag{Name: "hash", Usage: "hex block hash the snapshot is taken at"},
				&cli.StringFlag{Name: "root", Usage: "hex state root being snapshotted"},
			},
			Action: func(c *cli.Context) error {
				if c.NArg() != 1 {
					return fmt.Errorf("export state: expected exactly one output directory argument")
				}
				return runExportState(c.String("datadir"), c.Args().First(), c.Uint64("number"), common.HexToHash(c.String("hash")), common.HexToHash(c.String("root")))
			},
		},
		{
			Name:      "blocks",
			Usage:     "export the canonical chain to an RLP file",
			ArgsUsage: "<file>",
			Action: func(c *cli.Context) error {
				// The journal database is a content-addressed overlay over
				// recent history, not a number-indexed chain; it has no
				// canonical-hash-by-number index to walk here. A full chain
				// index is core/rawdb territory this repo doesn't own.
				return fmt.Errorf("export blocks: %w (no canonical number index kept by this repo's journal database)", errOutOfScope)
			},
		},
	},
}

var accountCommand = &cli.Command{
	Name:  "account",
	Usage: "manage accounts (out of scope collaborator)",
	Subcommands: []*cli.Command{
		{Name: "new", Action: outOfScopeAction},
		{Name: "list", Action: outOfScopeAction},
		{Name: "import", Action: outOfScopeAction},
	},
}

var walletCommand = &cli.Command{
	Name:  "wallet",
	Usage: "manage hardware wallets (out of scope collaborator)",
	Subcommands: []*cli.Command{
		{Name: "import", Action: outOfScopeAction},
	},
}

var signerCommand = &cli.Command{
	Name:  "signer",
	Usage: "manage the external signer (out of scope collaborator)",
	Subcommands: []*cli.Command{
		{Name: "new-token", Action: outOfScopeAction},
	},
}

func outOfScopeAction(*cli.Context) error { return errOutOfScope }

var daemonCommand = &cli.Command{
	Name:  "daemon",
	Usage: "run the node: open the journal database and snapshot service, and block until signaled",
	Action: func(c *cli.Context) error {
		return runDaemon(c.String("datadir"))
	},
}

func openBacking(datadir string) (*leveldb.DB, error) {
	if err := os.MkdirAll(datadir, 0o755); err != nil {
		return nil, err
	}
	return leveldb.OpenFile(filepath.Join(datadir, "chaindata"), nil)
}

func runImport(datadir, path string) error {
	backing, err := openBacking(datadir)
	if err != nil {
		return err
	}
	defer backing.Close()

	engine := clique.New(&config.CliqueConfig{Period: 15, Epoch: config.DefaultCliqueEpochLength})
	cl, err := newClient(backing, engine, config.JournalConfig{HistoryWindow: 64})
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	stream := rlp.NewStream(f, 0)
	imported := 0
	for {
		var block types.Block
		if err := stream.Decode(&block); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("import: decoding block %d: %w", imported, err)
		}
		dlBlock := &downloader.Block{
			Header: block.Header(),
			Body:   &types.Body{Transactions: block.Transactions(), Uncles: block.Uncles()},
		}
		if err := cl.ImportBlock(dlBlock); err != nil {
			return fmt.Errorf("import: block %d: %w", imported, err)
		}
		imported++
	}
	log.Info("import complete", "blocks", imported, "file", path)
	return nil
}

func runExportState(datadir, outDir string, number uint64, blockHash, stateRoot common.Hash) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	svc, err := snapshot.NewService(snapshot.ServiceParams{
		SnapshotRoot: filepath.Join(datadir, "snapshot"),
		Config:       config.DefaultSnapshotConfig(filepath.Join(datadir, "snapshot")),
		Client:       noopDatabaseRestore{},
		Rebuilders:   noopRebuilderFactory{},
	})
	if err != nil {
		return err
	}
	defer svc.Shutdown()

	if err := svc.TakeSnapshot(number, blockHash, stateRoot); err != nil {
		return err
	}
	manifest, ok := svc.Manifest()
	if !ok {
		return fmt.Errorf("export state: snapshot produced no manifest")
	}
	encoded, err := snapshot.EncodeManifest(manifest)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(outDir, "MANIFEST"), encoded, 0o644); err != nil {
		return err
	}
	for _, hashes := range [][]common.Hash{manifest.StateHashes, manifest.BlockHashes} {
		for _, hash := range hashes {
			chunk, ok := svc.Chunk(hash)
			if !ok {
				return fmt.Errorf("export state: chunk %s missing after production", hash)
			}
			if err := os.WriteFile(filepath.Join(outDir, hash.Hex()), chunk, 0o644); err != nil {
				return err
			}
		}
	}
	log.Info("export state complete", "dir", outDir, "state_chunks", len(manifest.StateHashes), "block_chunks", len(manifest.BlockHashes))
	return nil
}

func runDaemon(datadir string) error {
	backing, err := openBacking(datadir)
	if err != nil {
		return err
	}
	defer backing.Close()

	engine := clique.New(&config.CliqueConfig{Period: 15, Epoch: config.DefaultCliqueEpochLength})
	if _, err := newClient(backing, engine, config.JournalConfig{HistoryWindow: 64}); err != nil {
		return err
	}

	svc, err := snapshot.NewService(snapshot.ServiceParams{
		SnapshotRoot: filepath.Join(datadir, "snapshot"),
		Config:       config.DefaultSnapshotConfig(filepath.Join(datadir, "snapshot")),
		Client:       noopDatabaseRestore{},
		Rebuilders:   noopRebuilderFactory{},
	})
	if err != nil {
		return err
	}
	defer svc.Shutdown()

	log.Info("ethcore-node daemon started", "datadir", datadir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("ethcore-node daemon shutting down")
	return nil
}

// noopDatabaseRestore/noopRebuilderFactory satisfy snapshot.Service's
// collaborator interfaces for commands that never actually restore: state
// export only needs the production half of the service.
type noopDatabaseRestore struct{}

func (noopDatabaseRestore) RestoreDB(string) error { return nil }

type noopRebuilderFactory struct{}

func (noopRebuilderFactory) NewRebuilders(dir string, manifest snapshot.ManifestData, genesis []byte) (snapshot.StateRebuilder, snapshot.BlockRebuilder, error) {
	return nil, nil, fmt.Errorf("ethcore-node: restore not wired for this command")
}
