// Package socket wraps a message transport with the reliability features every
// connection needs: application heartbeats, acknowledged sends with timeouts,
// an ordered outbox that survives reconnects, payload limits and optional
// deflate compression.
//
// A Conn owns one reader and one writer goroutine per transport. Client-side
// connections created with Dial reconnect with capped exponential backoff;
// server-side connections created with Accept close when the transport drops.
package socket
