package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Codec identifiers carried on the wire.
const (
	CodecPCM16 = "pcm_s16le"
	CodecWAV   = "wav"
	CodecMP3   = "mp3"
	CodecOpus  = "opus"
	CodecWebM  = "webm"
)

// Format describes how the bytes of a frame or chunk are encoded.
type Format struct {
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// DefaultFormat is 16 kHz mono PCM, the capture format used by the talk client.
var DefaultFormat = Format{Codec: CodecPCM16, SampleRate: 16000, Channels: 1}

// IsPCM reports whether the format is raw 16-bit little-endian PCM.
func (f Format) IsPCM() bool {
	return f.Codec == CodecPCM16
}

// Validate checks that the format is usable.
func (f Format) Validate() error {
	switch f.Codec {
	case CodecPCM16, CodecWAV, CodecMP3, CodecOpus, CodecWebM:
	default:
		return fmt.Errorf("unsupported codec %q", f.Codec)
	}
	if f.IsPCM() {
		if f.SampleRate < 8000 || f.SampleRate > 48000 {
			return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", f.SampleRate)
		}
		if f.Channels != 1 {
			return fmt.Errorf("channels must be 1 (mono) for PCM, got %d", f.Channels)
		}
	}
	return nil
}

// Duration returns the play time of n bytes. Only PCM can be measured; other
// codecs report zero.
func (f Format) Duration(n int) time.Duration {
	if !f.IsPCM() || f.SampleRate <= 0 {
		return 0
	}
	channels := f.Channels
	if channels <= 0 {
		channels = 1
	}
	samples := n / (2 * channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Bytes returns the PCM byte count for duration d.
func (f Format) Bytes(d time.Duration) int {
	if !f.IsPCM() {
		return 0
	}
	channels := f.Channels
	if channels <= 0 {
		channels = 1
	}
	samples := int(d * time.Duration(f.SampleRate) / time.Second)
	return samples * 2 * channels
}

func (f Format) String() string {
	if f.IsPCM() {
		return fmt.Sprintf("%s/%dHz/%dch", f.Codec, f.SampleRate, f.Channels)
	}
	return f.Codec
}

// BytesToSamples converts little-endian PCM bytes into samples. A trailing odd
// byte is ignored.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// SamplesToBytes converts samples into little-endian PCM bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// Silence returns d worth of zeroed PCM in format f.
func Silence(f Format, d time.Duration) []byte {
	return make([]byte, f.Bytes(d))
}
