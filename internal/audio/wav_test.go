package audio

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/go-audio/wav"
)

func TestEncodeWAVHeader(t *testing.T) {
	const n = 16000
	data, err := EncodeWAV(make([]float32, n), 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	if len(data) != wavHeaderSize+2*n {
		t.Fatalf("expected %d bytes, got %d", wavHeaderSize+2*n, len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" || string(data[12:16]) != "fmt " || string(data[36:40]) != "data" {
		t.Fatalf("unexpected chunk ids: %q", data[:40])
	}
	if size := binary.LittleEndian.Uint32(data[4:8]); size != 36+2*n {
		t.Fatalf("expected riff size %d, got %d", 36+2*n, size)
	}
	if format := binary.LittleEndian.Uint16(data[20:22]); format != 1 {
		t.Fatalf("expected PCM format tag, got %d", format)
	}
	if channels := binary.LittleEndian.Uint16(data[22:24]); channels != 1 {
		t.Fatalf("expected mono, got %d", channels)
	}
	if rate := binary.LittleEndian.Uint32(data[24:28]); rate != 16000 {
		t.Fatalf("expected sample rate 16000, got %d", rate)
	}
	if bits := binary.LittleEndian.Uint16(data[34:36]); bits != 16 {
		t.Fatalf("expected 16 bits, got %d", bits)
	}
	if dataSize := binary.LittleEndian.Uint32(data[40:44]); dataSize != 2*n {
		t.Fatalf("expected data size %d, got %d", 2*n, dataSize)
	}
}

func TestEncodeWAVDecodesWithStandardReader(t *testing.T) {
	const n = 16000
	data, err := EncodeWAV(make([]float32, n), 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		t.Fatal("decoder rejected file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(buf.Data) != n {
		t.Fatalf("expected %d samples, got %d", n, len(buf.Data))
	}
	for i, s := range buf.Data {
		if s != 0 {
			t.Fatalf("sample %d: expected 0, got %d", i, s)
		}
	}
	if dec.SampleRate != 16000 {
		t.Fatalf("expected decoded sample rate 16000, got %d", dec.SampleRate)
	}
}

func TestEncodeWAVAsymmetricScaling(t *testing.T) {
	samples := []float32{-1, -0.5, 0, 0.5, 1, 2, -3}
	data, err := EncodeWAV(samples, 8000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	want := []int16{-32768, -16384, 0, 16383, 32767, 32767, -32768}
	for i, w := range want {
		got := int16(binary.LittleEndian.Uint16(data[wavHeaderSize+2*i:]))
		if got != w {
			t.Fatalf("sample %d: expected %d, got %d", i, w, got)
		}
	}
}

func TestEncodeWAVDeterministic(t *testing.T) {
	samples := []float32{0.1, -0.2, 0.3}
	a, err := EncodeWAV(samples, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	b, _ := EncodeWAV(samples, 16000)
	if !bytes.Equal(a, b) {
		t.Fatal("expected identical output for identical input")
	}
}

func TestEncodeWAVRejectsInvalidInput(t *testing.T) {
	if _, err := EncodeWAV(nil, 16000); err == nil {
		t.Fatal("expected error for empty samples")
	}
	if _, err := EncodeWAV([]float32{0}, 0); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}
