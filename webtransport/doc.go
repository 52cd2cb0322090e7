// Package webtransport layers a WebTransport-style session handshake over
// any transport.Endpoint.
//
// The endpoint wraps an inner endpoint and implements the same contract one
// level up: Update drives the inner endpoint first, intercepts the events
// the handshake needs, and forwards the rest. A connection is surfaced to
// the application only after the SETTINGS and CONNECT exchanges complete;
// a connection lost mid-handshake is never surfaced at all, since the
// application never saw it connect.
//
// Each handshake runs a strictly forward state machine: the client sends
// SETTINGS on a unidirectional stream, waits for the server's SETTINGS,
// then issues a CONNECT request on a bidirectional stream and waits for
// the response; the server mirrors this from the other side. While a state
// is waiting for a specific peer-opened stream, a peer stream of the wrong
// directionality is a protocol violation and fails the connection. Data
// streams opened after the session is established carry the WebTransport
// stream-frame prefix, written before the first payload byte and stripped
// before the stream is surfaced to the receiver.
package webtransport
