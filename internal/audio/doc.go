// Package audio holds the audio primitives of the voice pipeline: frame and
// format descriptions, PCM helpers, WAV encoding for transcription uploads,
// and the Assembler that turns sequence-numbered frames into utterances.
package audio
