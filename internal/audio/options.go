package audio

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultPrebufferCount    = 16
	DefaultFramesPerBuffer   = 2048
	DefaultMixPointLookahead = 2 * time.Second
	DefaultCrossfadeDuration = 1000 * time.Millisecond
	DefaultRetryInterval     = time.Second

	// Tracks shorter than this multiple of the fade length play with a hard cut.
	minFadeableMultiple = 4
)

type TransitionMode int

const (
	TransitionGapless TransitionMode = iota
	TransitionCrossfade
)

func (m TransitionMode) String() string {
	switch m {
	case TransitionGapless:
		return "gapless"
	case TransitionCrossfade:
		return "crossfade"
	default:
		return "unknown"
	}
}

func ParseTransition(s string) (TransitionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gapless":
		return TransitionGapless, nil
	case "crossfade":
		return TransitionCrossfade, nil
	default:
		return TransitionGapless, fmt.Errorf("unknown transition %q", s)
	}
}

// Options configures a Transport and the players it creates.
type Options struct {
	Transition TransitionMode
	// OutputName picks an output from the registry; empty uses the
	// registry's selection or its first entry.
	OutputName        string
	PrebufferCount    int
	FramesPerBuffer   int
	MixPointLookahead time.Duration
	CrossfadeDuration time.Duration
	RetryInterval     time.Duration
	// Gain multiplies every decoded sample; zero means 1.
	Gain     float64
	Analyzer Analyzer
}

func (o Options) withDefaults() Options {
	if o.PrebufferCount <= 0 {
		o.PrebufferCount = DefaultPrebufferCount
	}
	if o.FramesPerBuffer <= 0 {
		o.FramesPerBuffer = DefaultFramesPerBuffer
	}
	if o.MixPointLookahead <= 0 {
		o.MixPointLookahead = DefaultMixPointLookahead
	}
	if o.CrossfadeDuration <= 0 {
		o.CrossfadeDuration = DefaultCrossfadeDuration
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.Gain <= 0 {
		o.Gain = 1
	}
	return o
}
