// Package wtbackend implements the transport contracts over
// webtransport-go, for talking to browsers and other standard WebTransport
// peers.
//
// webtransport-go exposes a blocking, goroutine-driven API, so this backend
// adapts it to the polling model: session dials, upgrades and stream
// accepts run on their own goroutines and deliver into buffered channels
// that Update drains; stream reads and writes are made non-blocking by
// setting an already-expired deadline before each call, turning "would
// block" into a deadline error that is translated to the transport's
// Blocked classification. All connection and stream bookkeeping is touched
// only from the goroutine calling Update, matching the single-threaded
// cooperative model of the native backend.
package wtbackend
