// Package segment cuts streamed response text into sentence-sized segments
// for synthesis. Boundary detection is pluggable through Segmenter; the
// Splitter adds a max-wait cut so text without punctuation still flows.
package segment
