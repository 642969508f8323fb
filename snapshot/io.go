// Copyright 2024 The ethcore authors.
// This file is part of the ethcore library.

package snapshot

import (
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
)

const manifestFileName = "MANIFEST"

// chunkPath returns the path a chunk with the given hash is stored at
// within dir, named by its hex hash.
func chunkPath(dir string, hash common.Hash) string {
	return filepath.Join(dir, hash.Hex())
}

// looseWriter persists a snapshot as one file per chunk plus a manifest
// file: the simplest on-disk encoding for the directory layout, storing
// chunks as individual files rather than a single packed archive.
type looseWriter struct {
	dir         string
	stateHashes []common.Hash
	blockHashes []common.Hash
}

func newLooseWriter(dir string) (*looseWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &looseWriter{dir: dir}, nil
}

// writeStateChunk writes an already snappy-compressed state chunk to disk
// under hash and records it in the writer's running manifest.
func (w *looseWriter) writeStateChunk(hash common.Hash, chunk []byte) error {
	if err := os.WriteFile(chunkPath(w.dir, hash), chunk, 0o644); err != nil {
		return err
	}
	w.stateHashes = append(w.stateHashes, hash)
	return nil
}

// writeBlockChunk writes an already snappy-compressed block chunk to disk.
func (w *looseWriter) writeBlockChunk(hash common.Hash, chunk []byte) error {
	if err := os.WriteFile(chunkPath(w.dir, hash), chunk, 0o644); err != nil {
		return err
	}
	w.blockHashes = append(w.blockHashes, hash)
	return nil
}

// finish writes the manifest file, filling in the chunk hash lists this
// writer accumulated, and returns the completed manifest.
func (w *looseWriter) finish(base ManifestData) (ManifestData, error) {
	base.StateHashes = w.stateHashes
	base.BlockHashes = w.blockHashes
	encoded, err := EncodeManifest(base)
	if err != nil {
		return ManifestData{}, err
	}
	if err := os.WriteFile(filepath.Join(w.dir, manifestFileName), encoded, 0o644); err != nil {
		return ManifestData{}, err
	}
	return base, nil
}

// looseReader reads a snapshot written by looseWriter.
type looseReader struct {
	dir      string
	manifest ManifestData
}

func newLooseReader(dir string) (*looseReader, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		return nil, err
	}
	manifest, err := DecodeManifest(raw)
	if err != nil {
		return nil, err
	}
	return &looseReader{dir: dir, manifest: manifest}, nil
}

func (r *looseReader) Manifest() ManifestData { return r.manifest }

// Chunk returns the raw (still snappy-compressed) bytes of the chunk
// addressed by hash.
func (r *looseReader) Chunk(hash common.Hash) ([]byte, error) {
	return os.ReadFile(chunkPath(r.dir, hash))
}
