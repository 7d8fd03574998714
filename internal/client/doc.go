// Package client is a headless voice client. It replays recorded audio as
// live capture through the local detector, streams utterances to a session
// and plays the replies through a playback queue, interrupting playback
// when the user barges in.
package client
