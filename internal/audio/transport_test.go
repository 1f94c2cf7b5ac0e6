package audio

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(opts Options) Options {
	opts.FramesPerBuffer = testFrames
	opts.PrebufferCount = 4
	opts.RetryInterval = 50 * time.Millisecond
	return opts
}

func newGaplessTransport(t *testing.T) (*Transport, *fakeOutput, *eventLog) {
	t.Helper()

	out := newFakeOutput(1000)
	registry := NewOutputRegistry()
	registry.Register("fake", func() (Output, error) { return out, nil })

	tr, err := NewTransport(registry, newFakeDecoders(testRate), testOptions(Options{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, out, watch(tr)
}

// completeUntil keeps consuming buffers until cond holds.
func completeUntil(t *testing.T, out *fakeOutput, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		out.Complete(1000)
		return cond()
	}, waitFor, tick)
}

func TestTransportPauseResumeWithoutPlayers(t *testing.T) {
	tr, out, events := newGaplessTransport(t)

	assert.False(t, tr.Pause())
	assert.False(t, tr.Resume())
	assert.Equal(t, PlaybackStopped, tr.State())
	assert.Empty(t, events.Entries())
	assert.False(t, out.Paused())
}

func TestTransportVolumeClamp(t *testing.T) {
	tr, out, _ := newGaplessTransport(t)

	var changes []float64
	tr.VolumeChanged.Connect(func(v float64) { changes = append(changes, v) })

	tests := []struct {
		volume   float64
		expected float64
	}{
		{-0.5, 0.0},
		{1.7, 1.0},
		{0.5, 0.5},
		{0.5, 0.5},
	}

	for _, tt := range tests {
		tr.SetVolume(tt.volume)
		assert.Equal(t, tt.expected, tr.Volume(), "SetVolume(%v)", tt.volume)
		assert.Equal(t, tt.expected, tr.EffectiveVolume(), "SetVolume(%v)", tt.volume)
		assert.Equal(t, tt.expected, out.Volume(), "SetVolume(%v)", tt.volume)
	}

	assert.Equal(t, []float64{0, 1, 0.5}, changes, "repeated volume is not reported")
}

func TestTransportMute(t *testing.T) {
	tr, out, _ := newGaplessTransport(t)
	tr.SetVolume(0.6)

	changes := 0
	tr.VolumeChanged.Connect(func(float64) { changes++ })

	tr.SetMuted(true)
	tr.SetMuted(true)
	assert.True(t, tr.IsMuted())
	assert.Equal(t, 0.0, tr.EffectiveVolume())
	assert.Equal(t, 0.6, tr.Volume())
	assert.Equal(t, 0.0, out.Volume())
	assert.Equal(t, 1, changes)

	tr.SetVolume(0.8)
	assert.False(t, tr.IsMuted(), "volume change unmutes")
	assert.Equal(t, 0.8, tr.EffectiveVolume())
	assert.Equal(t, 0.8, out.Volume())
	assert.Equal(t, 2, changes)
}

func TestTransportStopsAfterLastTrack(t *testing.T) {
	tr, out, events := newGaplessTransport(t)

	require.NoError(t, tr.Start("a:1"))
	require.Eventually(t, func() bool { return events.Has("stream:PLAYING:a:1") }, waitFor, tick)
	assert.Equal(t, PlaybackPlaying, tr.State())

	completeUntil(t, out, func() bool { return events.Has("state:STOPPED") })
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, events.Count("state:STOPPED"))
	assert.True(t, events.Has("stream:FINISHED:a:1"))
	assert.Equal(t, PlaybackStopped, tr.State())
	assert.Equal(t, "", tr.URL())
}

func TestTransportGaplessHandoffAtMixPoint(t *testing.T) {
	tr, out, events := newGaplessTransport(t)

	require.NoError(t, tr.Start("a:10"))
	require.Eventually(t, func() bool { return events.Has("stream:PLAYING:a:10") }, waitFor, tick)
	require.Eventually(t, func() bool { return out.Queued() == 100 }, waitFor, tick)

	out.Complete(79)
	assert.False(t, events.Has("stream:ALMOST_DONE:a:10"), "7.9s is before the mix point")

	out.Complete(2)
	assert.True(t, events.Has("stream:ALMOST_DONE:a:10"))

	require.NoError(t, tr.PrepareNextTrack("b:10"))
	assert.True(t, events.Has("stream:SCHEDULED:b:10"), "next track starts straight away past the mix point")
	require.Eventually(t, func() bool { return events.Has("stream:PLAYING:b:10") }, waitFor, tick)

	out.Complete(19)
	require.Eventually(t, func() bool { return events.Has("stream:FINISHED:a:10") }, waitFor, tick)

	assert.Less(t, events.Index("stream:PLAYING:b:10"), events.Index("stream:FINISHED:a:10"))
	assert.False(t, events.Has("state:STOPPED"))
	assert.Equal(t, PlaybackPlaying, tr.State())
	assert.Equal(t, "b:10", tr.URL())

	// the shared output received track a's tail before track b
	played := out.Played()
	require.Greater(t, len(played), 100)
	assert.InDelta(t, 9.9, played[99].position, 1e-9)
	assert.Equal(t, 0.0, played[100].position)
}

func TestTransportPromotesStagedTrack(t *testing.T) {
	tr, out, events := newGaplessTransport(t)

	require.NoError(t, tr.Start("a:3"))
	require.NoError(t, tr.PrepareNextTrack("b:3"))
	assert.False(t, events.Has("stream:SCHEDULED:b:3"), "staged until the mix point")

	completeUntil(t, out, func() bool {
		return events.Has("stream:FINISHED:a:3") && events.Has("stream:PLAYING:b:3")
	})

	assert.False(t, events.Has("state:STOPPED"))
	assert.Less(t, events.Index("stream:ALMOST_DONE:a:3"), events.Index("stream:FINISHED:a:3"))
	assert.Less(t, events.Index("stream:SCHEDULED:b:3"), events.Index("stream:PLAYING:b:3"))

	completeUntil(t, out, func() bool { return events.Has("state:STOPPED") })
	assert.Equal(t, 1, events.Count("state:STOPPED"))
}

func TestTransportDropsNextTrackWhenNothingPlays(t *testing.T) {
	out := newFakeOutput(1000)
	registry := NewOutputRegistry()
	registry.Register("fake", func() (Output, error) { return out, nil })
	decoders := newFakeDecoders(testRate)

	tr, err := NewTransport(registry, decoders, testOptions(Options{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	events := watch(tr)

	require.NoError(t, tr.Start("a:1"))
	completeUntil(t, out, func() bool { return events.Has("state:STOPPED") })

	require.NoError(t, tr.PrepareNextTrack("b:3"))
	require.Eventually(t, func() bool {
		d := decoders.Get("b:3")
		return d != nil && d.Closed()
	}, waitFor, tick, "the dropped track releases its decoder")

	time.Sleep(20 * time.Millisecond)
	assert.False(t, events.Has("stream:SCHEDULED:b:3"))
	assert.Equal(t, 1, events.Count("state:STOPPED"))
	assert.Equal(t, PlaybackStopped, tr.State())
}

func TestTransportAppliesGain(t *testing.T) {
	out := newFakeOutput(1000)
	registry := NewOutputRegistry()
	registry.Register("fake", func() (Output, error) { return out, nil })

	tr, err := NewTransport(registry, newFakeDecoders(testRate), testOptions(Options{Gain: 0.5}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	require.NoError(t, tr.Start("a:1"))
	require.Eventually(t, func() bool { return len(out.Played()) >= 4 }, waitFor, tick)

	for _, s := range out.Played() {
		assert.InDelta(t, 0.25, s.sample, 1e-9)
	}
}

func TestTransportStartReplacesCurrentTrack(t *testing.T) {
	tr, out, events := newGaplessTransport(t)

	require.NoError(t, tr.Start("a:10"))
	require.Eventually(t, func() bool { return events.Has("stream:PLAYING:a:10") }, waitFor, tick)

	require.NoError(t, tr.Start("b:10"))
	require.Eventually(t, func() bool { return events.Has("stream:PLAYING:b:10") }, waitFor, tick)

	assert.False(t, events.Has("state:STOPPED"))
	assert.False(t, events.Has("stream:FINISHED:a:10"))
	assert.GreaterOrEqual(t, out.Stops(), 1, "old track is cut off")
	assert.Equal(t, "b:10", tr.URL())
	assert.Equal(t, PlaybackPlaying, tr.State())
}

func TestTransportOpenError(t *testing.T) {
	tr, _, events := newGaplessTransport(t)

	require.NoError(t, tr.Start("a:10"))
	require.Eventually(t, func() bool { return events.Has("stream:PLAYING:a:10") }, waitFor, tick)

	require.NoError(t, tr.Start("missing"))
	require.Eventually(t, func() bool {
		return events.Has("stream:ERROR:missing") && events.Has("state:STOPPED")
	}, waitFor, tick)
	assert.Equal(t, PlaybackStopped, tr.State())
	assert.Equal(t, "", tr.URL())
}

func TestTransportStop(t *testing.T) {
	tr, out, events := newGaplessTransport(t)

	require.NoError(t, tr.Start("a:10"))
	require.Eventually(t, func() bool { return events.Has("stream:PLAYING:a:10") }, waitFor, tick)

	tr.Stop()
	assert.Equal(t, PlaybackStopped, tr.State())
	assert.True(t, events.Has("stream:STOPPED:a:10"))
	assert.Equal(t, 1, events.Count("state:STOPPED"))
	assert.GreaterOrEqual(t, out.Stops(), 1)
	assert.Equal(t, 0.0, tr.Position())
	assert.Equal(t, -1.0, tr.Duration())
	assert.False(t, tr.Pause())
}

func TestTransportPauseResume(t *testing.T) {
	tr, out, events := newGaplessTransport(t)

	require.NoError(t, tr.Start("a:10"))
	require.Eventually(t, func() bool { return events.Has("stream:PLAYING:a:10") }, waitFor, tick)

	assert.True(t, tr.Pause())
	assert.Equal(t, PlaybackPaused, tr.State())
	assert.True(t, out.Paused())

	assert.True(t, tr.Resume())
	assert.Equal(t, PlaybackPlaying, tr.State())
	assert.False(t, out.Paused())
	assert.Equal(t, []string{"state:PLAYING", "state:PAUSED", "state:PLAYING"}, filter(events.Entries(), "state:"))
}

func TestTransportSetPosition(t *testing.T) {
	tr, _, events := newGaplessTransport(t)

	var mu sync.Mutex
	var times []float64
	tr.TimeChanged.Connect(func(v float64) {
		mu.Lock()
		defer mu.Unlock()
		times = append(times, v)
	})

	tr.SetPosition(4)
	assert.Empty(t, times, "nothing to seek")

	require.NoError(t, tr.Start("a:10"))
	require.Eventually(t, func() bool { return events.Has("stream:PLAYING:a:10") }, waitFor, tick)
	assert.Equal(t, 10.0, tr.Duration())

	tr.Pause()
	tr.SetPosition(3)
	assert.Equal(t, PlaybackPlaying, tr.State(), "seeking resumes playback")

	mu.Lock()
	assert.Equal(t, []float64{3}, times)
	mu.Unlock()

	require.Eventually(t, func() bool {
		pos := tr.Position()
		return pos >= 3 && pos < 3.1
	}, waitFor, tick)
}

func TestTransportClosed(t *testing.T) {
	tr, out, _ := newGaplessTransport(t)

	require.NoError(t, tr.Close())
	assert.True(t, out.Closed())
	assert.ErrorIs(t, tr.Start("a:1"), ErrTransportClosed)
	assert.ErrorIs(t, tr.PrepareNextTrack("a:1"), ErrTransportClosed)
}

type outputFarm struct {
	mu      sync.Mutex
	outputs []*fakeOutput
}

func (f *outputFarm) supply() (Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := newFakeOutput(1000)
	f.outputs = append(f.outputs, out)
	return out, nil
}

func (f *outputFarm) Get(i int) *fakeOutput {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.outputs) {
		return nil
	}
	return f.outputs[i]
}

func TestTransportCrossfade(t *testing.T) {
	farm := &outputFarm{}
	registry := NewOutputRegistry()
	registry.Register("fake", farm.supply)

	tr, err := NewTransport(registry, newFakeDecoders(testRate), testOptions(Options{
		Transition:        TransitionCrossfade,
		CrossfadeDuration: 200 * time.Millisecond,
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	events := watch(tr)

	require.NoError(t, tr.Start("a:10"))
	require.Eventually(t, func() bool { return farm.Get(0) != nil && farm.Get(0).Volume() == 1 }, waitFor, tick)

	first := farm.Get(0)
	assertRamp(t, first.Volumes(), 0, 1)

	require.NoError(t, tr.PrepareNextTrack("b:10"))
	require.Eventually(t, func() bool { return first.Queued() == 100 }, waitFor, tick)

	// 9.9s is past the 9.8s mix point; the last buffer stays queued
	first.Complete(99)
	require.Eventually(t, func() bool { return events.Has("stream:PLAYING:b:10") }, waitFor, tick)

	require.Eventually(t, first.Closed, waitFor, tick, "faded out player releases its output")
	volumes := first.Volumes()
	assert.Equal(t, 0.0, volumes[len(volumes)-1])

	second := farm.Get(1)
	require.NotNil(t, second)
	require.Eventually(t, func() bool { return second.Volume() == 1 }, waitFor, tick)
	assertRamp(t, second.Volumes(), 0, 1)

	assert.False(t, events.Has("state:STOPPED"))
	assert.Equal(t, "b:10", tr.URL())
	assert.Equal(t, PlaybackPlaying, tr.State())
}

func TestTransportCrossfadeShortTrackIsNotFaded(t *testing.T) {
	farm := &outputFarm{}
	registry := NewOutputRegistry()
	registry.Register("fake", farm.supply)

	tr, err := NewTransport(registry, newFakeDecoders(testRate), testOptions(Options{
		Transition:        TransitionCrossfade,
		CrossfadeDuration: time.Second,
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	tr.SetVolume(0.7)

	require.NoError(t, tr.Start("a:2"))
	require.Eventually(t, func() bool { return farm.Get(0) != nil && farm.Get(0).Volume() == 0.7 }, waitFor, tick)
	assert.Equal(t, []float64{0, 0.7}, farm.Get(0).Volumes())
}

// assertRamp checks that volumes move monotonically from start to end.
func assertRamp(t *testing.T, volumes []float64, start, end float64) {
	t.Helper()
	require.NotEmpty(t, volumes)
	assert.Equal(t, start, volumes[0])
	assert.Equal(t, end, volumes[len(volumes)-1])
	for i := 1; i < len(volumes); i++ {
		if end >= start {
			assert.GreaterOrEqual(t, volumes[i], volumes[i-1])
		} else {
			assert.LessOrEqual(t, volumes[i], volumes[i-1])
		}
	}
}

func filter(entries []string, prefix string) []string {
	var out []string
	for _, e := range entries {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			out = append(out, e)
		}
	}
	return out
}
