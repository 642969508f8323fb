// Copyright 2024 The ethcore authors.
// This file is part of the ethcore library.

package downloader

import "errors"

var (
	// errBadPeer is returned when a peer supplies a chain-head response that
	// fails the subchain validity checks.
	errBadPeer = errors.New("peer delivered invalid subchain heads")

	// errNoCommonAncestor names a retract/backoff search that exhausts its
	// budget without finding a shared ancestor with a peer. Retract reports
	// exhaustion through its boolean result and does not return this error.
	errNoCommonAncestor = errors.New("no common ancestor found with peer")

	// errStaleDelivery is returned for a response to a request that is no
	// longer outstanding (e.g. after a reset).
	errStaleDelivery = errors.New("stale delivery, no longer requested")

	// errBusy is returned when a request is attempted against a peer that
	// already has one of that kind in flight.
	errBusy = errors.New("peer already has a request in flight")

	// errUnknownPeer names an operation against an unregistered peer. The
	// Downloader's methods skip unknown peers and do not return this error.
	errUnknownPeer = errors.New("unknown peer")
)
