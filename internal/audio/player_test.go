package audio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRate   = 100
	testFrames = 10 // 0.1s per buffer at testRate
	waitFor    = 2 * time.Second
	tick       = 5 * time.Millisecond
)

func newTestPlayer(t *testing.T, url string, out Output, listener PlayerListener) (*Player, *fakeDecoders) {
	t.Helper()

	decoders := newFakeDecoders(testRate)
	p, err := NewPlayer(PlayerConfig{
		URL:             url,
		Output:          out,
		Decoders:        decoders,
		Listener:        listener,
		FramesPerBuffer: testFrames,
		PrebufferCount:  4,
		RetryInterval:   50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		p.Stop()
		p.Wait()
	})
	return p, decoders
}

func TestPlayerStateString(t *testing.T) {
	tests := []struct {
		state    PlayerState
		expected string
	}{
		{PlayerPrecache, "PRECACHE"},
		{PlayerPlaying, "PLAYING"},
		{PlayerQuit, "QUIT"},
		{PlayerState(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("PlayerState(%d).String() = %q, want %q", tt.state, got, tt.expected)
		}
	}
}

func TestNewPlayerRequiresDecoders(t *testing.T) {
	_, err := NewPlayer(PlayerConfig{URL: "a:1", Output: newFakeOutput(4)})
	require.Error(t, err)
}

func TestPlayerWaitsForPlay(t *testing.T) {
	out := newFakeOutput(100)
	rec := &recorder{}
	p, _ := newTestPlayer(t, "a:1", out, rec)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, PlayerPrecache, p.State())
	assert.Empty(t, out.Played(), "nothing is submitted before Play")
	assert.Zero(t, rec.Count("started"))

	p.Play()
	require.Eventually(t, func() bool { return len(out.Played()) == 10 }, waitFor, tick)
	assert.Equal(t, 1, rec.Count("started"))
	assert.Equal(t, PlayerPlaying, p.State())
}

func TestPlayerSubmitsInOrder(t *testing.T) {
	out := newFakeOutput(100)
	rec := &recorder{}
	p, _ := newTestPlayer(t, "a:2", out, rec)
	p.Play()

	require.Eventually(t, func() bool { return len(out.Played()) == 20 }, waitFor, tick)
	for i, s := range out.Played() {
		assert.InDelta(t, float64(i*testFrames)/testRate, s.position, 1e-9, "buffer %d", i)
	}

	out.Complete(20)
	require.Eventually(t, func() bool { return rec.Count("finished") == 1 }, waitFor, tick)
	assert.Equal(t, []string{"started", "almost-ended", "finished"}, rec.Kinds())
	assert.Equal(t, PlayerQuit, p.State())
}

func TestPlayerPositionIsMonotonic(t *testing.T) {
	out := newFakeOutput(2)
	rec := &recorder{}
	p, _ := newTestPlayer(t, "a:1", out, rec)
	p.Play()

	last := -1.0
	for rec.Count("finished") == 0 {
		require.Eventually(t, func() bool {
			return out.Queued() > 0 || rec.Count("finished") > 0
		}, waitFor, tick)

		pos := p.Position()
		assert.GreaterOrEqual(t, pos, last)
		last = pos
		out.Complete(1)
	}
	assert.InDelta(t, 0.9, last, 1e-9)
}

func TestPlayerSeekBeforeFirstBuffer(t *testing.T) {
	out := newFakeOutput(200)
	p, decoders := newTestPlayer(t, "a:10", out, nil)

	p.SetPosition(5.0)
	assert.Equal(t, 5.0, p.Position(), "pending seek is reported")
	p.Play()

	require.Eventually(t, func() bool { return len(out.Played()) > 0 }, waitFor, tick)
	assert.Contains(t, decoders.Get("a:10").Seeks(), 5.0)

	first := out.Played()[0]
	assert.GreaterOrEqual(t, first.position, 5.0)

	pos := p.Position()
	assert.GreaterOrEqual(t, pos, 5.0)
	assert.Less(t, pos, 5.0+float64(testFrames)/testRate)
}

func TestPlayerSeekDuringPlayback(t *testing.T) {
	out := newFakeOutput(5)
	p, decoders := newTestPlayer(t, "a:10", out, nil)
	p.Play()

	require.Eventually(t, func() bool { return out.Queued() == 5 }, waitFor, tick)
	out.Complete(2)

	p.SetPosition(3.0)
	require.Eventually(t, func() bool {
		return len(decoders.Get("a:10").Seeks()) == 1 && out.Queued() > 0
	}, waitFor, tick)
	assert.GreaterOrEqual(t, out.Stops(), 1, "seek flushes the output")

	require.Eventually(t, func() bool {
		pos := p.Position()
		return pos >= 3.0 && pos < 3.1
	}, waitFor, tick)

	out.Complete(1)
	require.Eventually(t, func() bool { return p.Position() >= 3.1 }, waitFor, tick)
}

func TestPlayerSeekClampsNegative(t *testing.T) {
	out := newFakeOutput(200)
	p, decoders := newTestPlayer(t, "a:2", out, nil)
	p.Play()
	require.Eventually(t, func() bool { return len(out.Played()) > 0 }, waitFor, tick)

	p.SetPosition(-3)
	require.Eventually(t, func() bool { return len(decoders.Get("a:2").Seeks()) == 1 }, waitFor, tick)
	assert.Equal(t, []float64{0}, decoders.Get("a:2").Seeks())
}

func TestPlayerFailedSeekKeepsPlaying(t *testing.T) {
	out := newFakeOutput(200)
	rec := &recorder{}
	decoders := newFakeDecoders(testRate)
	p, err := NewPlayer(PlayerConfig{
		URL:             "a:1",
		Output:          out,
		Decoders:        failingSeeks{decoders},
		Listener:        rec,
		FramesPerBuffer: testFrames,
		PrebufferCount:  2,
	})
	require.NoError(t, err)
	t.Cleanup(p.Stop)

	p.SetPosition(0.5)
	p.Play()

	require.Eventually(t, func() bool {
		out.Complete(100)
		return rec.Count("finished") == 1
	}, waitFor, tick)
	assert.Equal(t, []float64{0.5}, decoders.Get("a:1").Seeks())
	assert.Zero(t, rec.Count("error"))

	played := out.Played()
	require.NotEmpty(t, played)
	for i := 1; i < len(played); i++ {
		assert.Greater(t, played[i].position, played[i-1].position)
	}
}

func TestPlayerBrokenOutputDoesNotSpin(t *testing.T) {
	out := newFakeOutput(10)
	out.reject = true
	rec := &recorder{}
	p, _ := newTestPlayer(t, "a:10", out, rec)
	p.Play()

	require.Eventually(t, func() bool { return out.Attempts() > 0 }, waitFor, tick)
	time.Sleep(200 * time.Millisecond)
	assert.Less(t, out.Attempts(), 20, "feed loop should block between retries")

	p.Stop()
	require.Eventually(t, func() bool { return rec.Count("stopped") == 1 }, waitFor, tick)
	select {
	case <-p.Done():
	case <-time.After(waitFor):
		t.Fatal("player goroutine did not exit")
	}
}

func TestPlayerOpenFailure(t *testing.T) {
	rec := &recorder{}
	p, _ := newTestPlayer(t, "missing", newFakeOutput(4), rec)

	p.Wait()
	assert.Equal(t, []string{"error"}, rec.Kinds())
	assert.Error(t, p.Err())
	assert.Equal(t, PlayerQuit, p.State())
}

func TestPlayerMixPointFiresOnce(t *testing.T) {
	out := newFakeOutput(5)
	rec := &recorder{}
	p, _ := newTestPlayer(t, "a:1", out, rec)
	p.SetMixPoint(0.45)
	p.Play()

	require.Eventually(t, func() bool { return out.Queued() == 5 }, waitFor, tick)

	out.Complete(4)
	require.Eventually(t, func() bool { return out.Queued() == 5 }, waitFor, tick)
	assert.Zero(t, rec.Count("almost-ended"))

	out.Complete(1)
	require.Eventually(t, func() bool { return rec.Count("almost-ended") == 1 }, waitFor, tick)

	require.Eventually(t, func() bool {
		out.Complete(5)
		return rec.Count("finished") == 1
	}, waitFor, tick)
	assert.Equal(t, 1, rec.Count("almost-ended"))
}

func TestPlayerStopIsIdempotent(t *testing.T) {
	out := newFakeOutput(4)
	registry := NewOutputRegistry()
	registry.Register("fake", func() (Output, error) { return out, nil })

	rec := &recorder{}
	p, err := NewPlayer(PlayerConfig{
		URL:             "a:10",
		Registry:        registry,
		Decoders:        newFakeDecoders(testRate),
		Listener:        rec,
		FramesPerBuffer: testFrames,
	})
	require.NoError(t, err)
	assert.True(t, p.OwnsOutput())

	p.Play()
	require.Eventually(t, func() bool { return out.Queued() == 4 }, waitFor, tick)

	p.Stop()
	p.Stop()
	p.Wait()

	assert.Equal(t, 1, rec.Count("stopped"))
	assert.True(t, out.Closed(), "owned output is closed")
	assert.GreaterOrEqual(t, out.Stops(), 1)
}

func TestPlayerGain(t *testing.T) {
	out := newFakeOutput(100)
	p, err := NewPlayer(PlayerConfig{
		URL:             "a:1",
		Output:          out,
		Decoders:        newFakeDecoders(testRate),
		FramesPerBuffer: testFrames,
		Gain:            0.5,
	})
	require.NoError(t, err)
	t.Cleanup(p.Stop)
	p.Play()

	require.Eventually(t, func() bool { return len(out.Played()) == 10 }, waitFor, tick)
	for _, s := range out.Played() {
		assert.InDelta(t, 0.25, s.sample, 1e-9)
	}
}

func TestPlayerVolumeMirrorsOutput(t *testing.T) {
	out := newFakeOutput(4)
	p, _ := newTestPlayer(t, "a:1", out, nil)

	p.SetVolume(0.3)
	assert.Equal(t, 0.3, p.Volume())
	assert.Equal(t, 0.3, out.Volume())
}

func TestPlayerAnalyzerSeesConsumedBuffers(t *testing.T) {
	out := newFakeOutput(100)
	analyzer := &countingAnalyzer{}
	p, err := NewPlayer(PlayerConfig{
		URL:             "a:1",
		Output:          out,
		Decoders:        newFakeDecoders(testRate),
		Analyzer:        analyzer,
		FramesPerBuffer: testFrames,
	})
	require.NoError(t, err)
	t.Cleanup(p.Stop)
	p.Play()

	require.Eventually(t, func() bool { return len(out.Played()) == 10 }, waitFor, tick)
	assert.Zero(t, analyzer.Count())
	out.Complete(3)
	assert.Equal(t, 3, analyzer.Count())
}

func TestPlayAfterWaitsForPredecessor(t *testing.T) {
	out := newFakeOutput(100)
	first, _ := newTestPlayer(t, "a:1", out, nil)
	second, _ := newTestPlayer(t, "b:1", out, nil)

	second.PlayAfter(first)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, out.Played(), "second must wait for the first to be fed")

	first.Play()
	require.Eventually(t, func() bool { return len(out.Played()) == 20 }, waitFor, tick)

	played := out.Played()
	for i, s := range played {
		if i < 10 {
			assert.Same(t, first, s.provider, "buffer %d", i)
		} else {
			assert.Same(t, second, s.provider, "buffer %d", i)
		}
	}
}

type failingSeeks struct {
	*fakeDecoders
}

func (f failingSeeks) Open(ctx context.Context, url string) (Decoder, error) {
	d, err := f.fakeDecoders.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	d.(*fakeDecoder).failSeek = true
	return d, nil
}

type countingAnalyzer struct {
	mu sync.Mutex
	n  int
}

func (a *countingAnalyzer) Analyze(*Buffer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
}

func (a *countingAnalyzer) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}
