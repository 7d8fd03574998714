// Package playback is the client-side playback queue: chunks are played
// strictly in arrival order, one at a time, and an interrupt stops the
// current chunk, clears the queue and drops late chunks of the interrupted
// response by id.
package playback
