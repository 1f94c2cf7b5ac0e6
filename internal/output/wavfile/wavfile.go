// Package wavfile renders playback into a 16-bit PCM WAV file instead of a
// sound device. Buffers are written as fast as they arrive.
package wavfile

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/glebovdev/cubeplay/internal/audio"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog/log"
)

const (
	Name                = "wavfile"
	BitDepth            = 16
	DefaultQueueBuffers = 8
	pcmFormat           = 1
)

// Register adds a wavfile output writing to path. Each created output
// truncates the file, so it is meant to be shared by a gapless transport.
func Register(registry *audio.OutputRegistry, path string, sampleRate int) {
	registry.Register(Name, func() (audio.Output, error) {
		return Create(path, sampleRate, DefaultQueueBuffers)
	})
}

type queued struct {
	buf      *audio.Buffer
	provider audio.BufferProvider
}

type Output struct {
	path       string
	file       *os.File
	enc        *wav.Encoder
	sampleRate int
	capacity   int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []queued
	writing bool
	paused  bool
	closed  bool
	volume  float64
	frames  int
	err     error

	done chan struct{}
}

// Create opens path for writing and starts the writer goroutine.
func Create(path string, sampleRate, capacity int) (*Output, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if capacity <= 0 {
		capacity = DefaultQueueBuffers
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create wav file: %w", err)
	}

	o := &Output{
		path:       path,
		file:       file,
		enc:        wav.NewEncoder(file, sampleRate, BitDepth, 2, pcmFormat),
		sampleRate: sampleRate,
		capacity:   capacity,
		volume:     1,
		done:       make(chan struct{}),
	}
	o.cond = sync.NewCond(&o.mu)

	go o.run()
	log.Debug().Str("path", path).Int("sampleRate", sampleRate).Msg("WAV output opened")
	return o, nil
}

func (o *Output) Name() string { return Name }

func (o *Output) Play(buf *audio.Buffer, provider audio.BufferProvider) audio.PlayResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || o.err != nil {
		return audio.InvalidState
	}
	if len(o.queue) >= o.capacity {
		return audio.BufferFull
	}
	o.queue = append(o.queue, queued{buf: buf, provider: provider})
	o.cond.Broadcast()
	return audio.BufferWritten
}

func (o *Output) run() {
	defer close(o.done)

	o.mu.Lock()
	defer o.mu.Unlock()

	for {
		for !o.closed && (o.paused || len(o.queue) == 0) {
			o.cond.Wait()
		}
		if o.closed {
			return
		}

		q := o.queue[0]
		o.queue = o.queue[1:]
		o.writing = true
		volume := o.volume
		o.mu.Unlock()

		err := o.write(q.buf, volume)
		q.provider.OnBufferProcessed(q.buf)

		o.mu.Lock()
		o.writing = false
		if err != nil && o.err == nil {
			log.Error().Err(err).Str("path", o.path).Msg("WAV write failed")
			o.err = err
		}
		o.cond.Broadcast()
	}
}

func (o *Output) write(buf *audio.Buffer, volume float64) error {
	data := make([]int, 0, len(buf.Samples)*2)
	for _, frame := range buf.Samples {
		data = append(data, toPCM(frame[0]*volume), toPCM(frame[1]*volume))
	}

	err := o.enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 2, SampleRate: o.sampleRate},
		Data:           data,
		SourceBitDepth: BitDepth,
	})
	if err != nil {
		return fmt.Errorf("failed to write samples: %w", err)
	}

	o.mu.Lock()
	o.frames += len(buf.Samples)
	o.mu.Unlock()
	return nil
}

func toPCM(sample float64) int {
	sample = math.Max(-1, math.Min(1, sample))
	return int(math.Round(sample * math.MaxInt16))
}

func (o *Output) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paused = true
}

func (o *Output) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paused = false
	o.cond.Broadcast()
}

func (o *Output) Stop() {
	o.mu.Lock()
	flushed := o.queue
	o.queue = nil
	o.cond.Broadcast()
	o.mu.Unlock()

	for _, q := range flushed {
		q.provider.OnBufferProcessed(q.buf)
	}
}

func (o *Output) Drain() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for !o.closed && o.err == nil && (len(o.queue) > 0 || o.writing) {
		o.cond.Wait()
	}
}

func (o *Output) SetVolume(volume float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.volume = math.Max(0, math.Min(1, volume))
}

func (o *Output) Volume() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.volume
}

// Frames returns the number of frames written so far.
func (o *Output) Frames() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.frames
}

// Close discards anything still queued and finalizes the WAV header.
func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	flushed := o.queue
	o.queue = nil
	o.cond.Broadcast()
	o.mu.Unlock()

	for _, q := range flushed {
		q.provider.OnBufferProcessed(q.buf)
	}
	<-o.done

	o.mu.Lock()
	writeErr := o.err
	o.mu.Unlock()

	encErr := o.enc.Close()
	fileErr := o.file.Close()

	log.Debug().Str("path", o.path).Int("frames", o.Frames()).Msg("WAV output closed")
	return errors.Join(writeErr, encErr, fileErr)
}
