package audio

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCrossfader(t *testing.T, duration time.Duration, volume float64) *Crossfader {
	t.Helper()
	c := NewCrossfader(duration, func() float64 { return volume })
	t.Cleanup(c.Close)
	return c
}

func TestCrossfaderFadeIn(t *testing.T) {
	c := newTestCrossfader(t, 100*time.Millisecond, 0.8)
	out := newFakeOutput(4)
	p, _ := newTestPlayer(t, "a:10", out, nil)

	var emptied atomic.Int32
	c.Emptied.Connect(func(struct{}) { emptied.Add(1) })

	require.True(t, c.FadeIn(p))
	assert.True(t, c.Contains(p))

	require.Eventually(t, func() bool {
		return !c.Contains(p) && emptied.Load() == 1
	}, waitFor, tick)
	assertRamp(t, out.Volumes(), 0, 0.8)
	assert.NotEqual(t, PlayerQuit, p.State())
}

func TestCrossfaderFadeOutStopsPlayer(t *testing.T) {
	c := newTestCrossfader(t, 100*time.Millisecond, 1)
	out := newFakeOutput(4)
	p, _ := newTestPlayer(t, "a:10", out, nil)

	require.True(t, c.FadeOut(p))
	require.Eventually(t, func() bool { return p.State() == PlayerQuit }, waitFor, tick)

	volumes := out.Volumes()
	require.NotEmpty(t, volumes)
	assert.Equal(t, 0.0, volumes[len(volumes)-1])
	for i := 1; i < len(volumes); i++ {
		assert.LessOrEqual(t, volumes[i], volumes[i-1])
	}
}

func TestCrossfaderLimitsConcurrentFades(t *testing.T) {
	c := newTestCrossfader(t, 10*time.Second, 1)

	for i := 0; i < maxFades; i++ {
		p, _ := newTestPlayer(t, "a:10", newFakeOutput(4), nil)
		require.True(t, c.FadeIn(p))
	}
	assert.Equal(t, maxFades, c.Len())

	extra, _ := newTestPlayer(t, "b:10", newFakeOutput(4), nil)
	assert.False(t, c.FadeOut(extra))
	assert.Equal(t, PlayerQuit, extra.State(), "skipped fade out stops at once")
	assert.Equal(t, maxFades, c.Len())

	c.Stop()
	assert.Zero(t, c.Len())
}

func TestCrossfaderPause(t *testing.T) {
	c := newTestCrossfader(t, 50*time.Millisecond, 1)
	out := newFakeOutput(4)
	p, _ := newTestPlayer(t, "a:10", out, nil)

	c.Pause()
	c.FadeIn(p)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []float64{0}, out.Volumes(), "paused fades do not advance")

	c.Resume()
	require.Eventually(t, func() bool { return out.Volume() == 1 }, waitFor, tick)
	assert.False(t, c.Contains(p))
}

func TestCrossfaderCancel(t *testing.T) {
	c := newTestCrossfader(t, 10*time.Second, 1)
	p, _ := newTestPlayer(t, "a:10", newFakeOutput(4), nil)

	c.FadeOut(p)
	c.Cancel(p)
	assert.False(t, c.Contains(p))
	assert.NotEqual(t, PlayerQuit, p.State())
}

func TestCrossfaderDrain(t *testing.T) {
	c := newTestCrossfader(t, 50*time.Millisecond, 1)
	p, _ := newTestPlayer(t, "a:10", newFakeOutput(4), nil)
	c.FadeIn(p)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Drain(ctx))
	assert.Zero(t, c.Len())
}

func TestCrossfaderDrainHonoursContext(t *testing.T) {
	c := newTestCrossfader(t, 10*time.Second, 1)
	p, _ := newTestPlayer(t, "a:10", newFakeOutput(4), nil)
	c.FadeIn(p)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Drain(ctx), context.DeadlineExceeded)
}
