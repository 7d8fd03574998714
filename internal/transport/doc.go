// Package transport carries protocol messages between a voice client and the
// server over a per-session ordered channel. The websocket implementation
// keeps a bounded outbound queue drained by a single writer goroutine, so a
// peer that stops reading surfaces as backpressure instead of memory growth.
package transport
