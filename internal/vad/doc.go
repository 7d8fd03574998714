// Package vad provides energy-based voice activity detection. Frames are
// band-limited to the speech band, reduced to a normalized RMS level and fed
// through a time-based hysteresis that emits speech start and end events.
package vad
