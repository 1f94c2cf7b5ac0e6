// Package decoder adapts beep's codecs to audio.Decoder.
package decoder

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/glebovdev/cubeplay/internal/audio"
	"github.com/glebovdev/cubeplay/internal/datastream"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSampleRate = beep.SampleRate(44100)
	ResampleQuality   = 4
)

type decodeFunc func(io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error)

var codecs = map[string]decodeFunc{
	".mp3":  mp3.Decode,
	".ogg":  vorbis.Decode,
	".oga":  vorbis.Decode,
	".wav":  func(r io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error) { return wav.Decode(r) },
	".flac": func(r io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error) { return flac.Decode(r) },
}

// Extensions returns the supported file extensions, sorted.
func Extensions() []string {
	exts := make([]string, 0, len(codecs))
	for ext := range codecs {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Extension returns the lower-case extension of a path or URL.
func Extension(rawURL string) string {
	if strings.Contains(rawURL, "://") {
		if u, err := url.Parse(rawURL); err == nil {
			return strings.ToLower(path.Ext(u.Path))
		}
	}
	return strings.ToLower(filepath.Ext(rawURL))
}

// Supported reports whether a decoder exists for the file type of rawURL.
func Supported(rawURL string) bool {
	_, ok := codecs[Extension(rawURL)]
	return ok
}

// Factory opens streams through a datastream.Opener and decodes them at a
// fixed output sample rate.
type Factory struct {
	streams    *datastream.Opener
	sampleRate beep.SampleRate
}

func NewFactory(streams *datastream.Opener, sampleRate int) *Factory {
	rate := beep.SampleRate(sampleRate)
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	return &Factory{streams: streams, sampleRate: rate}
}

func (f *Factory) SampleRate() int {
	return int(f.sampleRate)
}

func (f *Factory) Open(ctx context.Context, rawURL string) (audio.Decoder, error) {
	ext := Extension(rawURL)
	decode, ok := codecs[ext]
	if !ok {
		return nil, fmt.Errorf("%q: %w", ext, audio.ErrNoDecoder)
	}

	file, err := f.streams.Open(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	streamer, format, err := decode(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to decode %s: %w", rawURL, err)
	}

	log.Debug().
		Str("url", rawURL).
		Int("sampleRate", int(format.SampleRate)).
		Int("channels", format.NumChannels).
		Msg("Decoder opened")

	d := &beepDecoder{
		file:     file,
		streamer: streamer,
		format:   format,
		rate:     f.sampleRate,
	}
	d.source = d.resample()
	return d, nil
}

// beepDecoder stamps buffers with stream time computed from the last seek
// offset plus the frames produced since, at the output rate.
type beepDecoder struct {
	file      *os.File
	streamer  beep.StreamSeekCloser
	format    beep.Format
	source    beep.Streamer
	rate      beep.SampleRate
	offset    float64
	produced  int
	exhausted bool
}

func (d *beepDecoder) resample() beep.Streamer {
	if d.format.SampleRate == d.rate {
		return d.streamer
	}
	return beep.Resample(ResampleQuality, d.format.SampleRate, d.rate, d.streamer)
}

func (d *beepDecoder) Read(buf *audio.Buffer) bool {
	if d.exhausted {
		return false
	}

	n, ok := d.source.Stream(buf.Samples)
	if n == 0 || !ok {
		if err := d.streamer.Err(); err != nil {
			log.Warn().Err(err).Msg("Decoding error")
		}
		if n == 0 {
			d.exhausted = true
			return false
		}
	}

	buf.Samples = buf.Samples[:n]
	buf.SampleRate = int(d.rate)
	buf.Channels = d.format.NumChannels
	buf.Position = d.offset + float64(d.produced)/float64(d.rate)
	d.produced += n
	return true
}

func (d *beepDecoder) SetPosition(seconds float64) float64 {
	frame := d.format.SampleRate.N(time.Duration(seconds * float64(time.Second)))
	if total := d.streamer.Len(); total > 0 {
		frame = min(frame, total)
	}
	frame = max(frame, 0)

	if err := d.streamer.Seek(frame); err != nil {
		log.Warn().Err(err).Float64("target", seconds).Msg("Seek failed")
		return -1
	}

	d.offset = float64(frame) / float64(d.format.SampleRate)
	d.produced = 0
	d.exhausted = false
	d.source = d.resample()
	return d.offset
}

func (d *beepDecoder) Duration() float64 {
	total := d.streamer.Len()
	if total <= 0 {
		return -1
	}
	return math.Round(float64(total)/float64(d.format.SampleRate)*1e6) / 1e6
}

func (d *beepDecoder) Exhausted() bool {
	return d.exhausted
}

func (d *beepDecoder) Close() error {
	err := d.streamer.Close()
	// codecs that already closed the file make this a no-op error
	_ = d.file.Close()
	return err
}
