package audio

import (
	"context"
	"errors"
)

// ErrNoDecoder is returned by a DecoderFactory when no decoder handles a URL.
var ErrNoDecoder = errors.New("no decoder for stream")

// Decoder produces buffers of decoded audio from an opened stream.
type Decoder interface {
	// Read fills buf with the next block of frames, including its position
	// stamp. It returns false once the stream is exhausted or unreadable.
	Read(buf *Buffer) bool
	// SetPosition seeks to seconds and returns the position actually
	// reached, or -1 when the seek failed.
	SetPosition(seconds float64) float64
	// Duration returns the stream length in seconds, or -1 if unknown.
	Duration() float64
	Exhausted() bool
	Close() error
}

// DecoderFactory opens a URL and returns a decoder ready to Read.
type DecoderFactory interface {
	Open(ctx context.Context, url string) (Decoder, error)
}

// DecoderFactoryFunc adapts a function to DecoderFactory.
type DecoderFactoryFunc func(ctx context.Context, url string) (Decoder, error)

func (f DecoderFactoryFunc) Open(ctx context.Context, url string) (Decoder, error) {
	return f(ctx, url)
}
