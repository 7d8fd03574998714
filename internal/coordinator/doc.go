// Package coordinator streams a generated response to the client as audio.
// Tokens are cut into sentence segments, segments are synthesized on a
// small bounded pool, and a single emitter reorders completions so chunks
// always leave in segment-index order. A failed segment becomes a short
// silent placeholder instead of ending the response.
package coordinator
