// Package provider defines the transcription, generation and synthesis
// collaborators the voice pipeline consumes, plus a Guard that limits
// concurrent calls and retries transient failures with exponential backoff.
// A stub implementation lets the service run without credentials.
package provider
