// Package session runs one conversation per client connection.
//
// A Session owns a single event loop that consumes transport events and
// results posted back by its turn goroutines. The loop is the only writer of
// the conversation state (idle, listening, processing, speaking), the
// utterance assembler and the rolling history. Barge-in cancels the turn in
// flight and drops its queued audio at the transport writer.
//
// The Manager creates sessions, enforces the session limit and expires idle
// sessions.
package session
