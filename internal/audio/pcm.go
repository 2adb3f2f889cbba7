package audio

import "encoding/binary"

// FloatToPCM16 converts a float frame to little-endian 16-bit PCM bytes
// using the same scaling as EncodeWAV.
func FloatToPCM16(frame []float32) []byte {
	out := make([]byte, len(frame)*2)
	for i, s := range frame {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toPCM16(s)))
	}
	return out
}

// FrameBuffer accumulates the frames of one utterance. It is owned by a
// single goroutine; Drain hands every frame to exactly one finalize cycle.
type FrameBuffer struct {
	frames  [][]float32
	samples int
}

func (b *FrameBuffer) Append(frame []float32) {
	b.frames = append(b.frames, frame)
	b.samples += len(frame)
}

// Len returns the number of buffered frames.
func (b *FrameBuffer) Len() int { return len(b.frames) }

// Samples returns the number of buffered samples.
func (b *FrameBuffer) Samples() int { return b.samples }

// Drain returns the buffered samples as one slice and empties the buffer.
func (b *FrameBuffer) Drain() []float32 {
	if b.samples == 0 {
		b.frames = b.frames[:0]
		return nil
	}
	out := make([]float32, 0, b.samples)
	for _, f := range b.frames {
		out = append(out, f...)
	}
	b.frames = nil
	b.samples = 0
	return out
}
