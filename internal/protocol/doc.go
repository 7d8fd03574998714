// Package protocol defines the events exchanged between a voice client and
// the server and their JSON wire envelope: {type, session_id, sequence,
// payload, is_final}. Audio bytes travel base64 encoded inside the payload.
package protocol
