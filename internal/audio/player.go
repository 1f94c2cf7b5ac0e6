package audio

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const noPosition = -1.0

type PlayerState int

const (
	PlayerPrecache PlayerState = iota
	PlayerPlaying
	PlayerQuit
)

func (s PlayerState) String() string {
	switch s {
	case PlayerPrecache:
		return "PRECACHE"
	case PlayerPlaying:
		return "PLAYING"
	case PlayerQuit:
		return "QUIT"
	default:
		return "UNKNOWN"
	}
}

// PlayerListener receives lifecycle notifications. Calls arrive on the
// player's goroutine or on the output's completion goroutine, never while
// the player holds its lock.
type PlayerListener interface {
	PlayerStarted(p *Player)
	PlayerAlmostEnded(p *Player)
	PlayerFinished(p *Player)
	PlayerStopped(p *Player)
	PlayerError(p *Player, err error)
}

type nopListener struct{}

func (nopListener) PlayerStarted(*Player)      {}
func (nopListener) PlayerAlmostEnded(*Player)  {}
func (nopListener) PlayerFinished(*Player)     {}
func (nopListener) PlayerStopped(*Player)      {}
func (nopListener) PlayerError(*Player, error) {}

type PlayerConfig struct {
	URL string
	// Output is shared with the caller. When nil, the player creates one
	// from Registry and owns it.
	Output          Output
	Registry        *OutputRegistry
	OutputName      string
	Decoders        DecoderFactory
	Listener        PlayerListener
	Analyzer        Analyzer
	PrebufferCount  int
	FramesPerBuffer int
	RetryInterval   time.Duration
	// Gain is a linear multiplier applied to decoded samples; zero means 1.
	Gain float64
}

// Player decodes one URL on a dedicated goroutine and feeds the buffers to
// an Output, tracking the playback position from buffers the output has
// confirmed.
type Player struct {
	id              string
	url             string
	output          Output
	ownsOutput      bool
	decoders        DecoderFactory
	listener        PlayerListener
	analyzer        Analyzer
	prebufferCount  int
	framesPerBuffer int
	retryInterval   time.Duration
	gain            float64
	log             zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wake    chan struct{}
	fed     chan struct{}
	fedOnce sync.Once
	done    chan struct{}

	mu                  sync.Mutex
	state               PlayerState
	duration            float64
	volume              float64
	currentPosition     float64
	setPosition         float64
	mixPoint            float64
	almostEndedNotified bool
	prebuffer           []*Buffer
	locked              []*Buffer
	free                []*Buffer
	after               *Player
	err                 error
}

// NewPlayer creates a player and starts its goroutine in PlayerPrecache:
// the stream is opened and pre-buffered, and playback begins on Play.
func NewPlayer(cfg PlayerConfig) (*Player, error) {
	if cfg.Decoders == nil {
		return nil, fmt.Errorf("player for %s: no decoder factory", cfg.URL)
	}

	output := cfg.Output
	owns := false
	if output == nil {
		registry := cfg.Registry
		if registry == nil {
			registry = NewOutputRegistry()
		}
		created, err := registry.Create(cfg.OutputName)
		if err != nil {
			return nil, fmt.Errorf("failed to create output: %w", err)
		}
		output = created
		owns = true
	}

	listener := cfg.Listener
	if listener == nil {
		listener = nopListener{}
	}
	prebuffer := cfg.PrebufferCount
	if prebuffer <= 0 {
		prebuffer = DefaultPrebufferCount
	}
	frames := cfg.FramesPerBuffer
	if frames <= 0 {
		frames = DefaultFramesPerBuffer
	}
	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = DefaultRetryInterval
	}
	gain := cfg.Gain
	if gain <= 0 {
		gain = 1
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	p := &Player{
		id:              id,
		url:             cfg.URL,
		output:          output,
		ownsOutput:      owns,
		decoders:        cfg.Decoders,
		listener:        listener,
		analyzer:        cfg.Analyzer,
		prebufferCount:  prebuffer,
		framesPerBuffer: frames,
		retryInterval:   retry,
		gain:            gain,
		log:             log.With().Str("player", id[:8]).Str("url", cfg.URL).Logger(),
		ctx:             ctx,
		cancel:          cancel,
		wake:            make(chan struct{}, 1),
		fed:             make(chan struct{}),
		done:            make(chan struct{}),
		state:           PlayerPrecache,
		duration:        noPosition,
		volume:          output.Volume(),
		setPosition:     noPosition,
		mixPoint:        noPosition,
		prebuffer:       make([]*Buffer, 0, prebuffer),
	}

	p.log.Debug().Bool("ownsOutput", owns).Str("output", output.Name()).Msg("Player created")
	go p.run()
	return p, nil
}

func (p *Player) ID() string       { return p.id }
func (p *Player) URL() string      { return p.url }
func (p *Player) Output() Output   { return p.output }
func (p *Player) OwnsOutput() bool { return p.ownsOutput }

// Done is closed once the player's goroutine has exited.
func (p *Player) Done() <-chan struct{} { return p.done }

func (p *Player) Wait() { <-p.done }

func (p *Player) State() PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the error that terminated the player, if any.
func (p *Player) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Player) Play() {
	p.mu.Lock()
	if p.state == PlayerPrecache {
		p.state = PlayerPlaying
	}
	p.mu.Unlock()
	p.signal()
}

// PlayAfter starts the player but holds back its first buffer until prev
// has submitted its last one, so both streams reach a shared output in order.
func (p *Player) PlayAfter(prev *Player) {
	p.mu.Lock()
	if prev != p {
		p.after = prev
	}
	p.mu.Unlock()
	p.Play()
}

// Stop ends playback. Pre-buffered data is discarded and buffers still held
// by the output are forgotten; an owned output is stopped as the goroutine
// exits. Stop is idempotent.
func (p *Player) Stop() {
	p.mu.Lock()
	if p.state == PlayerQuit {
		p.mu.Unlock()
		return
	}
	p.state = PlayerQuit
	p.free = append(p.free, p.prebuffer...)
	p.prebuffer = p.prebuffer[:0]
	p.mu.Unlock()

	p.cancel()
	p.signal()
}

func (p *Player) Pause() {
	p.output.Pause()
}

func (p *Player) Resume() {
	p.output.Resume()
}

// Position returns the stream time of the earliest buffer still held by the
// output, or the pending seek target while a seek is in progress.
func (p *Player) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.setPosition >= 0 {
		return p.setPosition
	}
	return p.currentPosition
}

// SetPosition requests a seek. The processing loop performs it between
// buffer submissions.
func (p *Player) SetPosition(seconds float64) {
	seconds = math.Max(0, seconds)

	p.mu.Lock()
	if p.duration > 0 {
		seconds = math.Min(p.duration, seconds)
	}
	p.setPosition = seconds
	p.mu.Unlock()

	p.signal()
}

// Duration returns the stream length in seconds, or -1 until the stream is
// open or when the decoder cannot tell.
func (p *Player) Duration() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duration
}

func (p *Player) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

func (p *Player) SetVolume(volume float64) {
	p.mu.Lock()
	p.volume = volume
	p.mu.Unlock()
	p.output.SetVolume(volume)
}

// SetMixPoint arms the almost-ended notification at seconds of consumed
// audio. A negative value disarms it.
func (p *Player) SetMixPoint(seconds float64) {
	p.mu.Lock()
	p.mixPoint = seconds
	p.mu.Unlock()
}

func (p *Player) MixPoint() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mixPoint
}

// OnBufferProcessed is called by the output once it has consumed buf.
func (p *Player) OnBufferProcessed(buf *Buffer) {
	p.mu.Lock()
	idx := indexOfBuffer(p.locked, buf)
	if idx < 0 {
		// discarded by Stop, or never accepted
		p.mu.Unlock()
		p.signal()
		return
	}

	p.locked = append(p.locked[:idx], p.locked[idx+1:]...)
	if p.setPosition < 0 && len(p.locked) > 0 {
		p.currentPosition = p.locked[0].Position
	}

	hitMixPoint := false
	if p.mixPoint >= 0 && !p.almostEndedNotified && p.setPosition < 0 &&
		p.state != PlayerQuit && buf.End() >= p.mixPoint {
		p.almostEndedNotified = true
		hitMixPoint = true
	}
	p.mu.Unlock()

	if p.analyzer != nil {
		p.analyzer.Analyze(buf)
	}
	p.recycle(buf)
	p.signal()

	if hitMixPoint {
		p.log.Debug().Float64("mixPoint", p.MixPoint()).Msg("Mix point reached")
		p.listener.PlayerAlmostEnded(p)
	}
}

func (p *Player) run() {
	defer close(p.done)
	defer p.markFed()

	dec, err := p.decoders.Open(p.ctx, p.url)
	if err != nil {
		if p.ctx.Err() != nil {
			p.finishStopped()
			return
		}
		p.log.Error().Err(err).Msg("Failed to open stream")
		p.finishError(fmt.Errorf("open %s: %w", p.url, err))
		return
	}
	defer func() {
		if err := dec.Close(); err != nil {
			p.log.Debug().Err(err).Msg("Failed to close decoder")
		}
	}()

	p.mu.Lock()
	p.duration = dec.Duration()
	p.mu.Unlock()
	p.log.Debug().Float64("duration", dec.Duration()).Msg("Stream opened")

	if !p.precache(dec) || !p.awaitPredecessor() {
		p.finishStopped()
		return
	}

	p.log.Debug().Msg("Playback started")
	p.listener.PlayerStarted(p)

	if !p.feed(dec) {
		p.finishStopped()
		return
	}

	p.markFed()
	p.notifyAlmostEnded()

	if !p.drain() {
		p.finishStopped()
		return
	}

	p.mu.Lock()
	p.state = PlayerQuit
	p.mu.Unlock()
	p.releaseOutput()

	p.log.Debug().Msg("Playback finished")
	p.listener.PlayerFinished(p)
}

// precache fills the pre-buffer queue, then blocks until Play or Stop.
func (p *Player) precache(dec Decoder) bool {
	for {
		p.mu.Lock()
		fill := p.state == PlayerPrecache && len(p.prebuffer) < p.prebufferCount && p.setPosition < 0
		p.mu.Unlock()
		if !fill {
			break
		}

		buf := p.read(dec)
		if buf == nil {
			break
		}

		p.mu.Lock()
		if p.state == PlayerQuit {
			p.free = append(p.free, buf)
		} else {
			p.prebuffer = append(p.prebuffer, buf)
		}
		p.mu.Unlock()
	}

	for {
		switch p.State() {
		case PlayerQuit:
			return false
		case PlayerPlaying:
			return true
		}

		select {
		case <-p.wake:
		case <-p.ctx.Done():
			return false
		}
	}
}

func (p *Player) awaitPredecessor() bool {
	p.mu.Lock()
	prev := p.after
	p.mu.Unlock()

	if prev == nil {
		return true
	}

	select {
	case <-prev.fed:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// feed submits buffers until the decoder is exhausted (true) or the player
// is stopped (false).
func (p *Player) feed(dec Decoder) bool {
	var buf *Buffer

	for {
		if p.ctx.Err() != nil {
			if buf != nil {
				p.recycle(buf)
			}
			return false
		}

		p.mu.Lock()
		target := p.setPosition
		p.mu.Unlock()

		if target >= 0 {
			if buf != nil {
				p.recycle(buf)
				buf = nil
			}
			if !p.seek(dec, target) {
				return false
			}
			continue
		}

		if buf == nil {
			buf = p.nextBuffer(dec)
			if buf == nil {
				return true
			}
		}

		if p.submit(buf) {
			buf = nil
			continue
		}

		// output is full: wait for a completion or a state change
		if !p.await() {
			p.recycle(buf)
			return false
		}
	}
}

func (p *Player) submit(buf *Buffer) bool {
	p.mu.Lock()
	p.locked = append(p.locked, buf)
	p.mu.Unlock()

	if p.output.Play(buf, p) != BufferWritten {
		p.mu.Lock()
		if idx := indexOfBuffer(p.locked, buf); idx >= 0 {
			p.locked = append(p.locked[:idx], p.locked[idx+1:]...)
		}
		p.mu.Unlock()
		return false
	}

	p.mu.Lock()
	if len(p.locked) > 0 && p.locked[0] == buf && p.setPosition < 0 {
		p.currentPosition = buf.Position
	}
	p.mu.Unlock()
	return true
}

// seek flushes the output, waits for every in-flight buffer to come back,
// then repositions the decoder and drops the pre-buffer.
func (p *Player) seek(dec Decoder, target float64) bool {
	p.log.Debug().Float64("target", target).Msg("Seeking")

	p.output.Stop()
	p.output.Resume()

	if !p.drain() {
		return false
	}

	actual := dec.SetPosition(target)

	p.mu.Lock()
	p.free = append(p.free, p.prebuffer...)
	p.prebuffer = p.prebuffer[:0]
	if actual >= 0 {
		p.currentPosition = actual
	}
	if p.setPosition == target {
		p.setPosition = noPosition
	}
	if p.mixPoint >= 0 && p.currentPosition < p.mixPoint {
		p.almostEndedNotified = false
	}
	p.mu.Unlock()

	if actual < 0 {
		p.log.Warn().Float64("target", target).Msg("Seek failed, continuing from current decoder position")
	}
	return true
}

// drain waits until the output has released every submitted buffer.
func (p *Player) drain() bool {
	for {
		p.mu.Lock()
		pending := len(p.locked)
		p.mu.Unlock()

		if pending == 0 {
			return true
		}
		if !p.await() {
			return false
		}
	}
}

// await blocks until the player is woken, the retry interval elapses, or
// the player is stopped, in which case it returns false.
func (p *Player) await() bool {
	timer := time.NewTimer(p.retryInterval)
	defer timer.Stop()

	select {
	case <-p.wake:
		return true
	case <-timer.C:
		return true
	case <-p.ctx.Done():
		return false
	}
}

func (p *Player) nextBuffer(dec Decoder) *Buffer {
	p.mu.Lock()
	if len(p.prebuffer) > 0 {
		buf := p.prebuffer[0]
		p.prebuffer = append(p.prebuffer[:0], p.prebuffer[1:]...)
		p.mu.Unlock()
		return buf
	}
	p.mu.Unlock()

	return p.read(dec)
}

func (p *Player) read(dec Decoder) *Buffer {
	buf := p.takeFree()
	if !dec.Read(buf) {
		p.recycle(buf)
		return nil
	}
	buf.applyGain(p.gain)
	return buf
}

func (p *Player) notifyAlmostEnded() {
	p.mu.Lock()
	notify := !p.almostEndedNotified
	p.almostEndedNotified = true
	p.mu.Unlock()

	if notify {
		p.listener.PlayerAlmostEnded(p)
	}
}

func (p *Player) finishStopped() {
	p.mu.Lock()
	p.state = PlayerQuit
	p.locked = nil
	p.free = append(p.free, p.prebuffer...)
	p.prebuffer = p.prebuffer[:0]
	p.mu.Unlock()

	if p.ownsOutput {
		p.output.Stop()
	}
	p.releaseOutput()

	p.log.Debug().Msg("Playback stopped")
	p.listener.PlayerStopped(p)
}

func (p *Player) finishError(err error) {
	p.mu.Lock()
	p.state = PlayerQuit
	p.err = err
	p.mu.Unlock()

	p.releaseOutput()
	p.listener.PlayerError(p, err)
}

func (p *Player) releaseOutput() {
	if !p.ownsOutput {
		return
	}
	if err := p.output.Close(); err != nil {
		p.log.Debug().Err(err).Msg("Failed to close output")
	}
}

func (p *Player) markFed() {
	p.fedOnce.Do(func() { close(p.fed) })
}

func (p *Player) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Player) takeFree() *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		buf := p.free[n-1]
		p.free = p.free[:n-1]
		buf.reset()
		return buf
	}
	return NewBuffer(p.framesPerBuffer)
}

func (p *Player) recycle(buf *Buffer) {
	p.mu.Lock()
	p.free = append(p.free, buf)
	p.mu.Unlock()
}

func indexOfBuffer(list []*Buffer, buf *Buffer) int {
	for i, b := range list {
		if b == buf {
			return i
		}
	}
	return -1
}
