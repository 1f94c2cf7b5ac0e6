package audio

// crossfadeTransition gives every player its own output so that two tracks
// can overlap while the Crossfader ramps their gains.
type crossfadeTransition struct {
	fader    *Crossfader
	duration float64
}

func newCrossfadeTransition(opts Options, volume func() float64) *crossfadeTransition {
	return &crossfadeTransition{
		fader:    NewCrossfader(opts.CrossfadeDuration, volume),
		duration: opts.CrossfadeDuration.Seconds(),
	}
}

// fadeable reports whether a track is long enough to be faded.
func (c *crossfadeTransition) fadeable(duration float64) bool {
	return duration > c.duration*minFadeableMultiple
}

func (c *crossfadeTransition) output() Output {
	return nil
}

func (c *crossfadeTransition) lookahead(duration float64) float64 {
	if c.fadeable(duration) {
		return c.duration
	}
	return 0
}

func (c *crossfadeTransition) start(p *Player, prev []*Player, fx *effects) {
	for _, old := range prev {
		if c.fadeable(old.Duration()) && !c.fader.fadingOut(old) {
			c.fader.FadeOut(old)
		}
	}

	// silent until started decides whether to fade in
	p.SetVolume(0)
	fx.add(p.Play)
}

func (c *crossfadeTransition) started(p *Player, volume float64) {
	if c.fadeable(p.Duration()) {
		c.fader.FadeIn(p)
		return
	}
	p.SetVolume(volume)
}

func (c *crossfadeTransition) halt(players []*Player, _ *effects) {
	for _, p := range players {
		c.fader.Cancel(p)
		p.Stop()
	}
}

func (c *crossfadeTransition) pause(players []*Player) {
	c.fader.Pause()
	for _, p := range players {
		p.Pause()
	}
}

func (c *crossfadeTransition) resume(players []*Player) {
	for _, p := range players {
		p.Resume()
	}
	c.fader.Resume()
}

func (c *crossfadeTransition) setVolume(players []*Player, volume float64) {
	for _, p := range players {
		if !c.fader.Contains(p) {
			p.SetVolume(volume)
		}
	}
}

func (c *crossfadeTransition) close() error {
	c.fader.Close()
	return nil
}
