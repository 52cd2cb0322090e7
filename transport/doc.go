// Package transport defines the backend-agnostic contracts for polling-based
// network endpoints.
//
// An Endpoint owns connections to peers and is driven by calling Update once
// per application tick. Update is the only operation that performs I/O or
// advances protocol state; every other method is a lookup or mutation of
// state that was buffered during a previous Update. Nothing in this package
// blocks: queries for state that is not available yet report "not found" or
// a non-fatal Blocked error instead of waiting.
//
// Two backends implement these contracts: quicpoll (a native UDP endpoint
// driven through a sans-IO QUIC engine) and wtbackend (sessions over
// webtransport-go). The webtransport package layers a WebTransport session
// handshake on top of any Endpoint and implements Endpoint itself, so
// application code is written once against this package.
//
// Endpoints and their connections are not safe for concurrent use. All
// mutation is expected to happen from the single goroutine that calls
// Update.
package transport
