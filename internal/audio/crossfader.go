package audio

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	crossfadeTicksPerSecond = 30
	maxFades                = 3
)

type fadeDirection int

const (
	fadeIn fadeDirection = iota
	fadeOut
)

func (d fadeDirection) String() string {
	if d == fadeOut {
		return "out"
	}
	return "in"
}

type fade struct {
	player    *Player
	direction fadeDirection
	ticks     int
	total     int
}

type gainUpdate struct {
	player *Player
	gain   float64
}

// Crossfader ramps player gains on a fixed tick. Gains are scaled by the
// volume callback, so volume changes during a fade are picked up on the
// next tick. A player faded out completely is stopped.
type Crossfader struct {
	duration time.Duration
	volume   func() float64

	mu     sync.Mutex
	fades  []*fade
	paused bool

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	// Emptied fires when the last fade completes.
	Emptied Signal[struct{}]
}

func NewCrossfader(duration time.Duration, volume func() float64) *Crossfader {
	if duration <= 0 {
		duration = DefaultCrossfadeDuration
	}
	if volume == nil {
		volume = func() float64 { return 1 }
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Crossfader{
		duration: duration,
		volume:   volume,
		wake:     make(chan struct{}, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

func (c *Crossfader) FadeIn(p *Player) bool {
	return c.add(p, fadeIn)
}

func (c *Crossfader) FadeOut(p *Player) bool {
	return c.add(p, fadeOut)
}

// add replaces any fade already running on p. When maxFades are running the
// fade is skipped and p is moved straight to its final gain.
func (c *Crossfader) add(p *Player, direction fadeDirection) bool {
	total := int(math.Round(c.duration.Seconds() * crossfadeTicksPerSecond))
	if total < 1 {
		total = 1
	}

	c.mu.Lock()
	c.fades = removeFade(c.fades, p)
	if len(c.fades) >= maxFades {
		c.mu.Unlock()
		log.Warn().Str("url", p.URL()).Str("direction", direction.String()).Msg("Too many fades, skipping")
		if direction == fadeOut {
			p.Stop()
		} else {
			p.SetVolume(c.volume())
		}
		return false
	}

	c.fades = append(c.fades, &fade{player: p, direction: direction, total: total})
	c.mu.Unlock()

	if direction == fadeIn {
		p.SetVolume(0)
	}

	log.Debug().Str("url", p.URL()).Str("direction", direction.String()).Msg("Fade started")
	c.signal()
	return true
}

// Cancel drops any fade running on p, leaving its gain where it is.
func (c *Crossfader) Cancel(p *Player) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fades = removeFade(c.fades, p)
}

func (c *Crossfader) Contains(p *Player) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return indexOfFade(c.fades, p) >= 0
}

func (c *Crossfader) fadingOut(p *Player) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := indexOfFade(c.fades, p)
	return i >= 0 && c.fades[i].direction == fadeOut
}

func (c *Crossfader) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fades)
}

func (c *Crossfader) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

func (c *Crossfader) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.signal()
}

// Stop abandons every fade.
func (c *Crossfader) Stop() {
	c.mu.Lock()
	c.fades = nil
	c.mu.Unlock()
}

// Drain waits until every running fade has completed.
func (c *Crossfader) Drain(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / crossfadeTicksPerSecond)
	defer ticker.Stop()

	for c.Len() > 0 {
		select {
		case <-ticker.C:
		case <-c.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Crossfader) Close() {
	c.cancel()
	<-c.done
}

func (c *Crossfader) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(time.Second / crossfadeTicksPerSecond)
	defer ticker.Stop()

	for {
		if c.Len() == 0 {
			select {
			case <-c.wake:
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ticker.C:
			c.tick()
		case <-c.wake:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Crossfader) tick() {
	c.mu.Lock()
	if c.paused || len(c.fades) == 0 {
		c.mu.Unlock()
		return
	}

	volume := c.volume()
	updates := make([]gainUpdate, 0, len(c.fades))
	var finished []*Player
	remaining := c.fades[:0]

	for _, f := range c.fades {
		if f.player.State() == PlayerQuit {
			continue
		}

		f.ticks++
		progress := math.Min(1, float64(f.ticks)/float64(f.total))
		if f.direction == fadeOut {
			progress = 1 - progress
		}
		updates = append(updates, gainUpdate{player: f.player, gain: volume * progress})

		if f.ticks < f.total {
			remaining = append(remaining, f)
		} else if f.direction == fadeOut {
			finished = append(finished, f.player)
		}
	}
	c.fades = remaining
	emptied := len(c.fades) == 0
	c.mu.Unlock()

	for _, u := range updates {
		u.player.SetVolume(u.gain)
	}
	for _, p := range finished {
		log.Debug().Str("url", p.URL()).Msg("Fade out complete")
		p.Stop()
	}
	if emptied {
		c.Emptied.Emit(struct{}{})
	}
}

func (c *Crossfader) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func indexOfFade(fades []*fade, p *Player) int {
	for i, f := range fades {
		if f.player == p {
			return i
		}
	}
	return -1
}

func removeFade(fades []*fade, p *Player) []*fade {
	if i := indexOfFade(fades, p); i >= 0 {
		return append(fades[:i], fades[i+1:]...)
	}
	return fades
}
