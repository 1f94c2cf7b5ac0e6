package audio

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

var ErrTransportClosed = errors.New("transport closed")

// Transport sequences players so that consecutive tracks play back to back,
// either with a hard cut on a shared output or crossfaded across one output
// per player.
//
// State lives under a single mutex. Listener notifications and output side
// effects decided under that mutex are queued and run after it is released,
// so player callbacks may re-enter the transport freely.
type Transport struct {
	opts     Options
	registry *OutputRegistry
	decoders DecoderFactory
	policy   transition
	players  errgroup.Group

	mu           sync.Mutex
	state        PlaybackState
	active       []*Player
	next         *Player
	nextCanStart bool
	closed       bool

	volMu  sync.RWMutex
	volume float64
	muted  bool

	disconnect func()

	StreamEvents   Signal[StreamEvent]
	PlaybackEvents Signal[PlaybackState]
	VolumeChanged  Signal[float64]
	TimeChanged    Signal[float64]
}

func NewTransport(registry *OutputRegistry, decoders DecoderFactory, opts Options) (*Transport, error) {
	if decoders == nil {
		return nil, errors.New("transport: no decoder factory")
	}
	if registry == nil {
		registry = NewOutputRegistry()
	}

	t := &Transport{
		opts:     opts.withDefaults(),
		registry: registry,
		decoders: decoders,
		state:    PlaybackStopped,
		volume:   1,
	}

	switch t.opts.Transition {
	case TransitionCrossfade:
		c := newCrossfadeTransition(t.opts, t.EffectiveVolume)
		t.disconnect = c.fader.Emptied.Connect(func(struct{}) { t.settle() })
		t.policy = c
	default:
		output, err := registry.Create(t.opts.OutputName)
		if err != nil {
			return nil, fmt.Errorf("failed to create output: %w", err)
		}
		t.policy = newGaplessTransition(output, t.opts)
	}

	t.policy.setVolume(nil, t.EffectiveVolume())

	log.Debug().
		Str("transition", t.opts.Transition.String()).
		Str("output", t.opts.OutputName).
		Msg("Transport created")
	return t, nil
}

type effects []func()

func (fx *effects) add(fn func()) {
	*fx = append(*fx, fn)
}

func (fx effects) run() {
	for _, fn := range fx {
		fn()
	}
}

func (t *Transport) update(fn func(fx *effects)) {
	var fx effects
	t.mu.Lock()
	fn(&fx)
	t.mu.Unlock()
	fx.run()
}

func (t *Transport) State() PlaybackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Transition() TransitionMode {
	return t.opts.Transition
}

// OnStreamEvent connects fn to StreamEvents.
func (t *Transport) OnStreamEvent(fn func(StreamEvent)) (disconnect func()) {
	return t.StreamEvents.Connect(fn)
}

// OnPlaybackState connects fn to PlaybackEvents.
func (t *Transport) OnPlaybackState(fn func(PlaybackState)) (disconnect func()) {
	return t.PlaybackEvents.Connect(fn)
}

// Start plays url immediately, replacing whatever is playing.
func (t *Transport) Start(url string) error {
	p, err := t.newPlayer(url)
	if err != nil {
		return err
	}

	log.Info().Str("url", url).Msg("Starting track")
	t.update(func(fx *effects) {
		t.startWithPlayerLocked(p, fx)
	})
	return nil
}

// PrepareNextTrack stages url to follow the current track. An empty url
// clears the staged track. When the current track is already past its mix
// point the staged track starts right away. With nothing playing there is
// nothing to follow and url is dropped; use Start instead.
func (t *Transport) PrepareNextTrack(url string) error {
	var p *Player
	if url != "" {
		var err error
		if p, err = t.newPlayer(url); err != nil {
			return err
		}
	}

	t.update(func(fx *effects) {
		if t.next != nil {
			t.next.Stop()
		}
		t.next = p

		if p != nil && len(t.active) == 0 {
			log.Debug().Str("url", url).Msg("Nothing playing, dropping next track")
			p.Stop()
			t.next = nil
			return
		}
		if p != nil && t.nextCanStart {
			t.startWithPlayerLocked(p, fx)
		}
	})
	return nil
}

func (t *Transport) Stop() {
	t.update(func(fx *effects) {
		t.stopLocked(fx)
	})
}

func (t *Transport) Pause() bool {
	ok := false
	t.update(func(fx *effects) {
		if len(t.active) == 0 {
			return
		}
		t.policy.pause(t.active)
		t.setStateLocked(PlaybackPaused, fx)
		ok = true
	})
	return ok
}

func (t *Transport) Resume() bool {
	ok := false
	t.update(func(fx *effects) {
		if len(t.active) == 0 {
			return
		}
		t.policy.resume(t.active)
		for _, p := range t.active {
			p.Play()
		}
		t.setStateLocked(PlaybackPlaying, fx)
		ok = true
	})
	return ok
}

// Position returns the position of the newest active player, or 0.
func (t *Transport) Position() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p := t.primaryLocked(); p != nil {
		return p.Position()
	}
	return 0
}

func (t *Transport) SetPosition(seconds float64) {
	t.update(func(fx *effects) {
		p := t.primaryLocked()
		if p == nil {
			return
		}
		if t.state != PlaybackPlaying {
			t.policy.resume(t.active)
			t.setStateLocked(PlaybackPlaying, fx)
		}
		p.SetPosition(seconds)
		fx.add(func() { t.TimeChanged.Emit(seconds) })
	})
}

// Duration returns the duration of the newest active player, or -1.
func (t *Transport) Duration() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p := t.primaryLocked(); p != nil {
		return p.Duration()
	}
	return -1
}

func (t *Transport) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p := t.primaryLocked(); p != nil {
		return p.URL()
	}
	return ""
}

func (t *Transport) Volume() float64 {
	t.volMu.RLock()
	defer t.volMu.RUnlock()
	return t.volume
}

// SetVolume clamps volume to [0, 1]. A change unmutes the transport.
func (t *Transport) SetVolume(volume float64) {
	volume = math.Max(0, math.Min(1, volume))

	t.volMu.Lock()
	changed := t.volume != volume
	t.volume = volume
	if changed {
		t.muted = false
	}
	t.volMu.Unlock()

	t.applyVolume()
	if changed {
		t.VolumeChanged.Emit(volume)
	}
}

func (t *Transport) IsMuted() bool {
	t.volMu.RLock()
	defer t.volMu.RUnlock()
	return t.muted
}

func (t *Transport) SetMuted(muted bool) {
	t.volMu.Lock()
	changed := t.muted != muted
	t.muted = muted
	volume := t.volume
	t.volMu.Unlock()

	if !changed {
		return
	}
	t.applyVolume()
	t.VolumeChanged.Emit(volume)
}

// EffectiveVolume is the gain applied to outputs: the volume, or zero while
// muted.
func (t *Transport) EffectiveVolume() float64 {
	t.volMu.RLock()
	defer t.volMu.RUnlock()
	if t.muted {
		return 0
	}
	return t.volume
}

// Close stops playback and waits for every player goroutine to exit.
func (t *Transport) Close() error {
	t.update(func(fx *effects) {
		t.stopLocked(fx)
		t.closed = true
	})

	if t.disconnect != nil {
		t.disconnect()
	}
	err := t.players.Wait()
	return errors.Join(err, t.policy.close())
}

func (t *Transport) applyVolume() {
	volume := t.EffectiveVolume()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.policy.setVolume(t.active, volume)
}

func (t *Transport) newPlayer(url string) (*Player, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrTransportClosed
	}

	p, err := NewPlayer(PlayerConfig{
		URL:             url,
		Output:          t.policy.output(),
		Registry:        t.registry,
		OutputName:      t.opts.OutputName,
		Decoders:        t.decoders,
		Listener:        playerEvents{t},
		Analyzer:        t.opts.Analyzer,
		PrebufferCount:  t.opts.PrebufferCount,
		FramesPerBuffer: t.opts.FramesPerBuffer,
		RetryInterval:   t.opts.RetryInterval,
		Gain:            t.opts.Gain,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create player: %w", err)
	}

	t.players.Go(func() error {
		p.Wait()
		return nil
	})
	return p, nil
}

// startWithPlayerLocked makes p the primary player. A promoted next player
// inherits the previous players, which keep playing their tail; anything
// else cuts them off.
func (t *Transport) startWithPlayerLocked(p *Player, fx *effects) {
	playingNext := p == t.next
	if !playingNext && t.next != nil {
		t.next.Stop()
	}
	t.next = nil
	t.nextCanStart = false

	var prev []*Player
	if playingNext {
		prev = t.active
	} else {
		t.policy.halt(t.active, fx)
		t.active = nil
	}

	if err := p.Err(); err != nil {
		t.failLocked(p, fx)
		return
	}

	t.policy.start(p, prev, fx)
	t.active = append(t.active, p)

	url := p.URL()
	fx.add(func() { t.StreamEvents.Emit(StreamEvent{Type: StreamScheduled, URL: url}) })
}

func (t *Transport) stopLocked(fx *effects) {
	if t.next != nil {
		t.next.Stop()
		t.next = nil
	}
	for _, p := range t.active {
		url := p.URL()
		fx.add(func() { t.StreamEvents.Emit(StreamEvent{Type: StreamStopped, URL: url}) })
	}
	t.policy.halt(t.active, fx)
	t.active = nil
	t.nextCanStart = false
	t.setStateLocked(PlaybackStopped, fx)
}

// failLocked reports a player error and stops everything else.
func (t *Transport) failLocked(p *Player, fx *effects) {
	url := p.URL()
	fx.add(func() { t.StreamEvents.Emit(StreamEvent{Type: StreamError, URL: url}) })

	t.active = lo.Without(t.active, p)
	if t.next != nil {
		t.next.Stop()
		t.next = nil
	}
	t.policy.halt(t.active, fx)
	t.active = nil
	t.nextCanStart = false
	t.setStateLocked(PlaybackStopped, fx)
}

func (t *Transport) setStateLocked(state PlaybackState, fx *effects) {
	if t.state == state {
		return
	}
	t.state = state
	fx.add(func() { t.PlaybackEvents.Emit(state) })
}

func (t *Transport) primaryLocked() *Player {
	if len(t.active) == 0 {
		return nil
	}
	return t.active[len(t.active)-1]
}

func (t *Transport) isActiveLocked(p *Player) bool {
	return lo.Contains(t.active, p)
}

func (t *Transport) removeActiveLocked(p *Player) bool {
	if !t.isActiveLocked(p) {
		return false
	}
	t.active = lo.Without(t.active, p)
	return true
}

// settle moves to PlaybackStopped once nothing is left playing.
func (t *Transport) settle() {
	t.update(func(fx *effects) {
		if len(t.active) == 0 {
			t.setStateLocked(PlaybackStopped, fx)
		}
	})
}

func (t *Transport) handleStarted(p *Player) {
	t.update(func(fx *effects) {
		if !t.isActiveLocked(p) {
			log.Debug().Str("url", p.URL()).Msg("Ignoring start of superseded player")
			return
		}

		if duration := p.Duration(); duration > 0 {
			if lookahead := t.policy.lookahead(duration); lookahead > 0 {
				p.SetMixPoint(math.Max(0, duration-lookahead))
			}
		}
		t.policy.started(p, t.EffectiveVolume())

		url := p.URL()
		fx.add(func() { t.StreamEvents.Emit(StreamEvent{Type: StreamPlaying, URL: url}) })
		t.setStateLocked(PlaybackPlaying, fx)
	})
}

func (t *Transport) handleAlmostEnded(p *Player) {
	t.update(func(fx *effects) {
		if p != t.primaryLocked() {
			return
		}

		t.nextCanStart = true
		if t.next != nil {
			t.startWithPlayerLocked(t.next, fx)
		}

		url := p.URL()
		fx.add(func() { t.StreamEvents.Emit(StreamEvent{Type: StreamAlmostDone, URL: url}) })
	})
}

func (t *Transport) handleFinished(p *Player) {
	t.update(func(fx *effects) {
		url := p.URL()
		fx.add(func() { t.StreamEvents.Emit(StreamEvent{Type: StreamFinished, URL: url}) })

		primary := p == t.primaryLocked()
		if !t.removeActiveLocked(p) {
			log.Debug().Str("url", url).Msg("Finished player was no longer active")
			return
		}

		if primary && t.next != nil {
			t.startWithPlayerLocked(t.next, fx)
			return
		}

		if len(t.active) == 0 {
			t.nextCanStart = false
			t.setStateLocked(PlaybackStopped, fx)
		}
	})
}

func (t *Transport) handleStopped(p *Player) {
	t.update(func(fx *effects) {
		if !t.removeActiveLocked(p) {
			return
		}
		if len(t.active) == 0 {
			t.setStateLocked(PlaybackStopped, fx)
		}
	})
}

func (t *Transport) handleError(p *Player, err error) {
	t.update(func(fx *effects) {
		switch {
		case t.isActiveLocked(p):
			log.Error().Err(err).Str("url", p.URL()).Msg("Playback failed")
			t.failLocked(p, fx)
		case p == t.next:
			log.Warn().Err(err).Str("url", p.URL()).Msg("Next track failed to open")
			t.next = nil
		default:
			log.Debug().Err(err).Str("url", p.URL()).Msg("Ignoring error from superseded player")
		}
	})
}

type playerEvents struct {
	t *Transport
}

func (e playerEvents) PlayerStarted(p *Player)          { e.t.handleStarted(p) }
func (e playerEvents) PlayerAlmostEnded(p *Player)      { e.t.handleAlmostEnded(p) }
func (e playerEvents) PlayerFinished(p *Player)         { e.t.handleFinished(p) }
func (e playerEvents) PlayerStopped(p *Player)          { e.t.handleStopped(p) }
func (e playerEvents) PlayerError(p *Player, err error) { e.t.handleError(p, err) }
