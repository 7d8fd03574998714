package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// wavHeader is the canonical 44-byte RIFF/WAVE header for PCM.
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

const wavHeaderSize = 44

func newWAVHeader(dataSize uint32, sampleRate, channels int) wavHeader {
	bitsPerSample := uint16(16)
	return wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(channels) * uint32(bitsPerSample) / 8,
		BlockAlign:    uint16(channels) * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// EncodeWAV wraps 16-bit PCM bytes in a WAV container. Transcription
// services accept WAV files but not headerless PCM.
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio")
	}
	if !f.IsPCM() {
		return nil, fmt.Errorf("cannot wrap %s audio in WAV", f.Codec)
	}
	if f.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	channels := f.Channels
	if channels <= 0 {
		channels = 1
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, newWAVHeader(uint32(len(pcm)), f.SampleRate, channels)); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.Write(pcm)
	return buf.Bytes(), nil
}

// DecodeWAV extracts the PCM data and its format from a WAV file. Chunks
// other than "fmt " and "data" are skipped.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	if len(data) < 12 {
		return nil, Format{}, fmt.Errorf("WAV data too short: got %d bytes", len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return nil, Format{}, fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		return nil, Format{}, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	var (
		f       Format
		haveFmt bool
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(data) {
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, Format{}, fmt.Errorf("invalid WAV file: fmt chunk is %d bytes", size)
			}
			audioFormat := binary.LittleEndian.Uint16(data[body:])
			channels := binary.LittleEndian.Uint16(data[body+2:])
			sampleRate := binary.LittleEndian.Uint32(data[body+4:])
			bits := binary.LittleEndian.Uint16(data[body+14:])
			if audioFormat != 1 {
				return nil, Format{}, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", audioFormat)
			}
			if bits != 16 {
				return nil, Format{}, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", bits)
			}
			f = Format{Codec: CodecPCM16, SampleRate: int(sampleRate), Channels: int(channels)}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, Format{}, fmt.Errorf("invalid WAV file: data chunk before fmt chunk")
			}
			pcm := make([]byte, size-size%2)
			copy(pcm, data[body:body+len(pcm)])
			return pcm, f, nil
		}

		// Chunks are word aligned.
		pos = body + size + size%2
	}
	return nil, Format{}, fmt.Errorf("invalid WAV file: missing data chunk")
}

// WAVWriter streams PCM into a WAV file and fixes up the header sizes on
// Close.
type WAVWriter struct {
	w       io.WriteSeeker
	format  Format
	written uint32
	closed  bool
}

// NewWAVWriter writes a placeholder header and returns a writer for PCM data
// in format f.
func NewWAVWriter(w io.WriteSeeker, f Format) (*WAVWriter, error) {
	if !f.IsPCM() {
		return nil, fmt.Errorf("cannot write %s audio to WAV", f.Codec)
	}
	if err := binary.Write(w, binary.LittleEndian, newWAVHeader(0, f.SampleRate, max(f.Channels, 1))); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	return &WAVWriter{w: w, format: f}, nil
}

// Format returns the PCM format the writer expects.
func (ww *WAVWriter) Format() Format {
	return ww.format
}

func (ww *WAVWriter) Write(p []byte) (int, error) {
	if ww.closed {
		return 0, fmt.Errorf("wav writer closed")
	}
	n, err := ww.w.Write(p)
	ww.written += uint32(n)
	return n, err
}

// Close rewrites the header with the final data size. It does not close the
// underlying writer.
func (ww *WAVWriter) Close() error {
	if ww.closed {
		return nil
	}
	ww.closed = true
	if _, err := ww.w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to WAV header: %w", err)
	}
	if err := binary.Write(ww.w, binary.LittleEndian, newWAVHeader(ww.written, ww.format.SampleRate, max(ww.format.Channels, 1))); err != nil {
		return fmt.Errorf("failed to rewrite WAV header: %w", err)
	}
	_, err := ww.w.Seek(0, io.SeekEnd)
	return err
}
