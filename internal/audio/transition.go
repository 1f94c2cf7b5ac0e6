package audio

// transition is the part of the transport that differs between gapless and
// crossfaded playback. Methods are called with the transport lock held;
// anything that may call back into a player goes into fx.
type transition interface {
	// output is shared by every player, or nil when each player owns one.
	output() Output
	// lookahead is how many seconds before the end of a track of the
	// given duration the next track should be started. Zero means at the
	// end of decoding.
	lookahead(duration float64) float64
	// start begins p. prev holds the players it follows, which keep
	// playing their remaining audio.
	start(p *Player, prev []*Player, fx *effects)
	started(p *Player, volume float64)
	// halt cuts players off immediately.
	halt(players []*Player, fx *effects)
	pause(players []*Player)
	resume(players []*Player)
	setVolume(players []*Player, volume float64)
	close() error
}

// gaplessTransition plays every track through one shared output and cuts
// straight from one track to the next.
type gaplessTransition struct {
	out    Output
	window float64
}

func newGaplessTransition(out Output, opts Options) *gaplessTransition {
	return &gaplessTransition{
		out:    out,
		window: opts.MixPointLookahead.Seconds(),
	}
}

func (g *gaplessTransition) output() Output {
	return g.out
}

func (g *gaplessTransition) lookahead(float64) float64 {
	return g.window
}

func (g *gaplessTransition) start(p *Player, prev []*Player, fx *effects) {
	fx.add(g.out.Resume)
	if len(prev) == 0 {
		fx.add(p.Play)
		return
	}

	// the shared output must see the tail of the previous track first
	last := prev[len(prev)-1]
	fx.add(func() { p.PlayAfter(last) })
}

func (g *gaplessTransition) started(*Player, float64) {}

func (g *gaplessTransition) halt(players []*Player, fx *effects) {
	for _, p := range players {
		p.Stop()
	}
	if len(players) > 0 {
		fx.add(g.out.Stop)
	}
}

func (g *gaplessTransition) pause([]*Player) {
	g.out.Pause()
}

func (g *gaplessTransition) resume([]*Player) {
	g.out.Resume()
}

func (g *gaplessTransition) setVolume(_ []*Player, volume float64) {
	g.out.SetVolume(volume)
}

func (g *gaplessTransition) close() error {
	return g.out.Close()
}
