// Package speaker plays audio buffers on the system audio device through
// beep's speaker mixer.
package speaker

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/glebovdev/cubeplay/internal/audio"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/rs/zerolog/log"
)

const (
	Name = "speaker"

	DefaultSampleRate   = 44100
	DefaultBufferSize   = time.Millisecond * 250
	DefaultQueueBuffers = 8
	VolumeCurveExponent = 0.5
	MinVolumeDB         = -10.0
)

// Config describes the device the outputs share.
type Config struct {
	SampleRate   int
	BufferSize   time.Duration
	QueueBuffers int
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.QueueBuffers <= 0 {
		c.QueueBuffers = DefaultQueueBuffers
	}
	return c
}

var (
	deviceOnce sync.Once
	deviceErr  error
)

// initDevice opens the audio device. The speaker package supports a single
// device per process, so every Output mixes into it.
func initDevice(cfg Config) error {
	deviceOnce.Do(func() {
		rate := beep.SampleRate(cfg.SampleRate)
		if err := speaker.Init(rate, rate.N(cfg.BufferSize)); err != nil {
			deviceErr = fmt.Errorf("failed to initialize speaker: %w", err)
			return
		}
		log.Debug().Msgf("Speaker initialized with sample rate: %d Hz, buffer: %v", cfg.SampleRate, cfg.BufferSize)
	})
	return deviceErr
}

// Register adds the speaker output to registry.
func Register(registry *audio.OutputRegistry, cfg Config) {
	cfg = cfg.withDefaults()
	registry.Register(Name, func() (audio.Output, error) {
		if err := initDevice(cfg); err != nil {
			return nil, err
		}
		o := New(cfg.QueueBuffers)
		speaker.Play(o.ctrl)
		return o, nil
	})
}

type queued struct {
	buf      *audio.Buffer
	provider audio.BufferProvider
	offset   int
}

// Output is one stream in the speaker mixer. Buffers are consumed in order
// from a bounded queue; while the queue is empty the stream plays silence.
type Output struct {
	capacity int

	mu       sync.Mutex
	drained  *sync.Cond
	queue    []*queued
	finished []*queued
	inflight int
	closed   bool

	closeOnce sync.Once

	notify chan struct{}
	done   chan struct{}

	ctrl   *beep.Ctrl
	volume *effects.Volume
	level  float64
}

// New creates an output that is not yet attached to the mixer.
func New(capacity int) *Output {
	if capacity <= 0 {
		capacity = DefaultQueueBuffers
	}

	o := &Output{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		level:    1,
	}
	o.drained = sync.NewCond(&o.mu)
	o.volume = &effects.Volume{
		Streamer: beep.StreamerFunc(o.stream),
		Base:     2,
		Volume:   percentToExponent(100),
	}
	o.ctrl = &beep.Ctrl{Streamer: o.volume}

	go o.deliver()
	return o
}

func (o *Output) Name() string { return Name }

func (o *Output) Play(buf *audio.Buffer, provider audio.BufferProvider) audio.PlayResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return audio.InvalidState
	}
	if len(o.queue) >= o.capacity {
		return audio.BufferFull
	}
	o.queue = append(o.queue, &queued{buf: buf, provider: provider})
	return audio.BufferWritten
}

// stream runs on the speaker goroutine with the speaker lock held.
func (o *Output) stream(samples [][2]float64) (int, bool) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return 0, false
	}

	filled := 0
	for filled < len(samples) && len(o.queue) > 0 {
		q := o.queue[0]
		n := copy(samples[filled:], q.buf.Samples[q.offset:])
		q.offset += n
		filled += n
		if q.offset >= len(q.buf.Samples) {
			o.queue = o.queue[1:]
			o.finished = append(o.finished, q)
		}
	}
	hasFinished := len(o.finished) > 0
	o.mu.Unlock()

	for i := filled; i < len(samples); i++ {
		samples[i] = [2]float64{}
	}

	if hasFinished {
		select {
		case o.notify <- struct{}{}:
		default:
		}
	}
	return len(samples), true
}

// deliver reports consumed buffers in playback order, off the audio thread.
func (o *Output) deliver() {
	for {
		select {
		case <-o.notify:
		case <-o.done:
			return
		}

		o.mu.Lock()
		batch := o.finished
		o.finished = nil
		o.inflight = len(batch)
		o.mu.Unlock()

		for _, q := range batch {
			q.provider.OnBufferProcessed(q.buf)
		}

		o.mu.Lock()
		o.inflight = 0
		o.drained.Broadcast()
		o.mu.Unlock()
	}
}

func (o *Output) Pause() {
	speaker.Lock()
	o.ctrl.Paused = true
	speaker.Unlock()
	log.Debug().Msg("Speaker output paused")
}

func (o *Output) Resume() {
	speaker.Lock()
	o.ctrl.Paused = false
	speaker.Unlock()
}

// Stop discards everything queued and reports it before returning.
func (o *Output) Stop() {
	o.mu.Lock()
	flushed := append(o.finished, o.queue...)
	o.finished = nil
	o.queue = nil
	o.drained.Broadcast()
	o.mu.Unlock()

	for _, q := range flushed {
		q.provider.OnBufferProcessed(q.buf)
	}
	if len(flushed) > 0 {
		log.Debug().Int("buffers", len(flushed)).Msg("Speaker output flushed")
	}
}

// Drain blocks until every queued buffer has been played and reported.
func (o *Output) Drain() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for !o.closed && (len(o.queue) > 0 || len(o.finished) > 0 || o.inflight > 0) {
		o.drained.Wait()
	}
}

func (o *Output) SetVolume(volume float64) {
	volume = math.Max(0, math.Min(1, volume))

	o.mu.Lock()
	o.level = volume
	o.mu.Unlock()

	speaker.Lock()
	o.volume.Volume = percentToExponent(volume * 100)
	o.volume.Silent = volume == 0
	speaker.Unlock()
}

func (o *Output) Volume() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.level
}

// Close stops the output and detaches it from the mixer.
func (o *Output) Close() error {
	o.closeOnce.Do(func() {
		o.Stop()

		o.mu.Lock()
		o.closed = true
		o.drained.Broadcast()
		o.mu.Unlock()

		close(o.done)
	})
	return nil
}

func percentToExponent(p float64) float64 {
	if p <= 0 {
		return MinVolumeDB
	}
	if p >= 100 {
		return 0
	}

	normalized := p / 100.0
	adjusted := math.Pow(normalized, VolumeCurveExponent)
	return (1.0 - adjusted) * MinVolumeDB
}
