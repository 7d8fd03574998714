package audio

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEncodeDecodeWAV(t *testing.T) {
	samples := []int16{0, 1000, -1000, 32767, -32768, 42}
	pcm := SamplesToBytes(samples)

	wav, err := EncodeWAV(pcm, testFormat)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	if len(wav) != wavHeaderSize+len(pcm) {
		t.Errorf("Expected %d bytes, got %d", wavHeaderSize+len(pcm), len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Error("Expected RIFF/WAVE header")
	}

	decoded, f, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if f != testFormat {
		t.Errorf("Expected format %v, got %v", testFormat, f)
	}
	got := BytesToSamples(decoded)
	for i := range samples {
		if got[i] != samples[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, samples[i], got[i])
		}
	}
}

func TestEncodeWAVErrors(t *testing.T) {
	tests := []struct {
		name   string
		pcm    []byte
		format Format
	}{
		{name: "empty", pcm: nil, format: testFormat},
		{name: "not pcm", pcm: []byte{1, 2}, format: Format{Codec: CodecMP3}},
		{name: "zero rate", pcm: []byte{1, 2}, format: Format{Codec: CodecPCM16}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EncodeWAV(tt.pcm, tt.format); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestDecodeWAVSkipsExtraChunks(t *testing.T) {
	pcm := SamplesToBytes([]int16{5, 6, 7, 8})
	wav, _ := EncodeWAV(pcm, testFormat)

	// Insert a LIST chunk between fmt and data.
	var buf bytes.Buffer
	buf.Write(wav[:36])
	buf.WriteString("LIST")
	binary.Write(&buf, binary.LittleEndian, uint32(3))
	buf.Write([]byte{'a', 'b', 'c', 0})
	buf.Write(wav[36:])

	decoded, _, err := DecodeWAV(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if !bytes.Equal(decoded, pcm) {
		t.Errorf("Expected %v, got %v", pcm, decoded)
	}
}

func TestDecodeWAVInvalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "short", data: []byte("RIFF")},
		{name: "not riff", data: append([]byte("RIFX\x00\x00\x00\x00WAVE"), make([]byte, 32)...)},
		{name: "no data chunk", data: []byte("RIFF\x04\x00\x00\x00WAVE")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeWAV(tt.data); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestWAVWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ww, err := NewWAVWriter(file, testFormat)
	if err != nil {
		t.Fatalf("NewWAVWriter failed: %v", err)
	}
	chunk := Silence(testFormat, 50*time.Millisecond)
	ww.Write(chunk)
	ww.Write(chunk)
	if err := ww.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	file.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	pcm, f, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if len(pcm) != 2*len(chunk) {
		t.Errorf("Expected %d bytes of PCM, got %d", 2*len(chunk), len(pcm))
	}
	if f.Duration(len(pcm)) != 100*time.Millisecond {
		t.Errorf("Expected 100ms, got %v", f.Duration(len(pcm)))
	}
}

func TestFormatDurationAndBytes(t *testing.T) {
	f := Format{Codec: CodecPCM16, SampleRate: 8000, Channels: 1}
	if got := f.Bytes(time.Second); got != 16000 {
		t.Errorf("Expected 16000 bytes, got %d", got)
	}
	if got := f.Duration(16000); got != time.Second {
		t.Errorf("Expected 1s, got %v", got)
	}
	if got := (Format{Codec: CodecMP3}).Duration(16000); got != 0 {
		t.Errorf("Expected zero duration for mp3, got %v", got)
	}
	if err := (Format{Codec: "flac"}).Validate(); err == nil {
		t.Error("Expected unsupported codec error")
	}
}
