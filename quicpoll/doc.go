// Package quicpoll implements the transport contracts over a UDP socket and
// a sans-IO QUIC protocol engine.
//
// The endpoint is driven by calling Update once per tick. Each Update drains
// the socket with batched non-blocking reads, splits coalesced (GRO)
// datagrams into individual packets for the engine, dispatches the resulting
// datagram events, and then advances every live connection: flushing pending
// transmits, firing due timers, relaying engine-internal events, and
// translating the engine's application events into the transport event
// vocabulary.
//
// Socket errors are never fatal to the endpoint: UDP gives no delivery
// guarantee, so a failed send or receive is equivalent to a lost packet. A
// duplicate connection handle, by contrast, is an engine invariant violation
// and panics.
package quicpoll
