// Package memengine provides an in-memory implementation of the engine
// contract for in-process endpoints and deterministic tests.
//
// The wire format is a sequence of varint-framed messages per datagram:
// a one-frame handshake (CONNECT, answered by ACCEPT or REFUSE), explicit
// stream opens, stream data with per-stream flow-control credit replenished
// by the receiver as data is consumed, and FIN/RESET/STOP/CLOSE teardown
// frames. Everything that QUIC earns with loss recovery and encryption is
// instead assumed from the link, so the engine must be driven over a
// reliable, ordered, private path.
package memengine
