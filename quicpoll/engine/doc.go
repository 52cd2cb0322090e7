// Package engine defines the boundary to a sans-IO QUIC protocol engine.
//
// The engine owns the QUIC wire protocol: handshake crypto, congestion
// control, packet framing and loss recovery. It performs no I/O of its own;
// the quicpoll endpoint feeds it received datagrams and carries its
// transmits back out the socket. The contract mirrors the handle/accept/
// poll-transmit/poll-timeout shape of sans-IO QUIC implementations so an
// engine can be swapped without touching the endpoint pump.
//
// The memengine subpackage provides an in-memory implementation used by
// tests, examples and loopback tooling.
package engine
