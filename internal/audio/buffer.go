// Package audio implements the playback core: a streaming Player per track
// and a Transport that sequences players for gapless or crossfaded playback.
package audio

// Buffer is a block of decoded stereo frames. Position is the stream time,
// in seconds, of the first frame and is the clock used for playback position.
type Buffer struct {
	Samples    [][2]float64
	SampleRate int
	Channels   int
	Position   float64
}

// NewBuffer allocates a buffer able to hold frames stereo frames.
func NewBuffer(frames int) *Buffer {
	return &Buffer{Samples: make([][2]float64, frames)}
}

// Frames returns the number of stereo frames currently held.
func (b *Buffer) Frames() int {
	return len(b.Samples)
}

// Duration returns the playback length of the buffer in seconds.
func (b *Buffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate)
}

// End returns the stream time just past the last frame.
func (b *Buffer) End() float64 {
	return b.Position + b.Duration()
}

func (b *Buffer) applyGain(gain float64) {
	if gain == 1 {
		return
	}
	for i := range b.Samples {
		b.Samples[i][0] *= gain
		b.Samples[i][1] *= gain
	}
}

func (b *Buffer) reset() {
	b.Samples = b.Samples[:cap(b.Samples)]
	b.Position = 0
}
