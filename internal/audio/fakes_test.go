package audio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeDecoder produces constant-valued frames at a fixed rate.
type fakeDecoder struct {
	mu       sync.Mutex
	rate     int
	total    int
	pos      int
	value    float64
	failSeek bool
	seeks    []float64
	closed   bool
}

func newFakeDecoder(rate int, seconds float64) *fakeDecoder {
	return &fakeDecoder{rate: rate, total: int(seconds * float64(rate)), value: 0.5}
}

func (d *fakeDecoder) Read(buf *Buffer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pos >= d.total {
		return false
	}
	n := min(len(buf.Samples), d.total-d.pos)
	buf.Samples = buf.Samples[:n]
	for i := range buf.Samples {
		buf.Samples[i] = [2]float64{d.value, d.value}
	}
	buf.SampleRate = d.rate
	buf.Channels = 2
	buf.Position = float64(d.pos) / float64(d.rate)
	d.pos += n
	return true
}

func (d *fakeDecoder) SetPosition(seconds float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seeks = append(d.seeks, seconds)
	if d.failSeek {
		return -1
	}
	d.pos = min(d.total, int(seconds*float64(d.rate)))
	return float64(d.pos) / float64(d.rate)
}

func (d *fakeDecoder) Duration() float64 {
	return float64(d.total) / float64(d.rate)
}

func (d *fakeDecoder) Exhausted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pos >= d.total
}

func (d *fakeDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDecoder) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *fakeDecoder) Seeks() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]float64(nil), d.seeks...)
}

// fakeDecoders hands out decoders by URL. URLs of the form
// "<name>:<seconds>" describe a track of that length; anything unknown
// fails to open.
type fakeDecoders struct {
	mu       sync.Mutex
	rate     int
	decoders map[string]*fakeDecoder
}

func newFakeDecoders(rate int) *fakeDecoders {
	return &fakeDecoders{rate: rate, decoders: make(map[string]*fakeDecoder)}
}

func (f *fakeDecoders) Open(_ context.Context, url string) (Decoder, error) {
	var name string
	var seconds float64
	if _, err := fmt.Sscanf(strings.Replace(url, ":", " ", 1), "%s %g", &name, &seconds); err != nil {
		return nil, errors.New("no such track")
	}

	d := newFakeDecoder(f.rate, seconds)
	f.mu.Lock()
	f.decoders[url] = d
	f.mu.Unlock()
	return d, nil
}

func (f *fakeDecoders) Get(url string) *fakeDecoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decoders[url]
}

type queued struct {
	buf      *Buffer
	provider BufferProvider
}

type submission struct {
	provider BufferProvider
	position float64
	sample   float64
}

// fakeOutput queues buffers until the test completes them.
type fakeOutput struct {
	mu       sync.Mutex
	name     string
	capacity int
	reject   bool
	queue    []queued
	played   []submission
	attempts int
	volumes  []float64
	volume   float64
	paused   bool
	stops    int
	closed   bool
}

func newFakeOutput(capacity int) *fakeOutput {
	return &fakeOutput{name: "fake", capacity: capacity, volume: 1}
}

func (o *fakeOutput) Name() string { return o.name }

func (o *fakeOutput) Play(buf *Buffer, provider BufferProvider) PlayResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.attempts++
	if o.reject || o.closed {
		return InvalidState
	}
	if len(o.queue) >= o.capacity {
		return BufferFull
	}
	o.queue = append(o.queue, queued{buf: buf, provider: provider})
	o.played = append(o.played, submission{provider: provider, position: buf.Position, sample: buf.Samples[0][0]})
	return BufferWritten
}

// Complete reports up to n queued buffers as consumed, unless paused.
func (o *fakeOutput) Complete(n int) int {
	o.mu.Lock()
	if o.paused {
		o.mu.Unlock()
		return 0
	}
	n = min(n, len(o.queue))
	done := append([]queued(nil), o.queue[:n]...)
	o.queue = o.queue[n:]
	o.mu.Unlock()

	for _, q := range done {
		q.provider.OnBufferProcessed(q.buf)
	}
	return n
}

func (o *fakeOutput) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paused = true
}

func (o *fakeOutput) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paused = false
}

func (o *fakeOutput) Stop() {
	o.mu.Lock()
	flushed := o.queue
	o.queue = nil
	o.stops++
	o.mu.Unlock()

	for _, q := range flushed {
		q.provider.OnBufferProcessed(q.buf)
	}
}

func (o *fakeOutput) Drain() {}

func (o *fakeOutput) SetVolume(volume float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.volume = volume
	o.volumes = append(o.volumes, volume)
}

func (o *fakeOutput) Volume() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.volume
}

func (o *fakeOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

func (o *fakeOutput) Played() []submission {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]submission(nil), o.played...)
}

func (o *fakeOutput) Queued() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *fakeOutput) Attempts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts
}

func (o *fakeOutput) Volumes() []float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]float64(nil), o.volumes...)
}

func (o *fakeOutput) Stops() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stops
}

func (o *fakeOutput) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *fakeOutput) Paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// pump completes one buffer per interval until the test ends.
func pump(t *testing.T, o *fakeOutput, interval time.Duration) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.Cleanup(func() {
		cancel()
		<-done
	})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.Complete(1)
			}
		}
	}()
}

type playerEvent struct {
	kind string
	err  error
}

// recorder is a PlayerListener that keeps every notification.
type recorder struct {
	mu     sync.Mutex
	events []playerEvent
}

func (r *recorder) add(kind string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, playerEvent{kind: kind, err: err})
}

func (r *recorder) PlayerStarted(*Player)          { r.add("started", nil) }
func (r *recorder) PlayerAlmostEnded(*Player)      { r.add("almost-ended", nil) }
func (r *recorder) PlayerFinished(*Player)         { r.add("finished", nil) }
func (r *recorder) PlayerStopped(*Player)          { r.add("stopped", nil) }
func (r *recorder) PlayerError(_ *Player, e error) { r.add("error", e) }

func (r *recorder) Count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.kind)
	}
	return kinds
}

// eventLog records transport signals in arrival order as short strings
// such as "stream:PLAYING:a:1" or "state:STOPPED".
type eventLog struct {
	mu      sync.Mutex
	entries []string
}

func watch(t *Transport) *eventLog {
	l := &eventLog{}
	t.StreamEvents.Connect(func(e StreamEvent) {
		l.add("stream:" + e.Type.String() + ":" + e.URL)
	})
	t.PlaybackEvents.Connect(func(s PlaybackState) {
		l.add("state:" + s.String())
	})
	return l
}

func (l *eventLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *eventLog) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (l *eventLog) Has(entry string) bool {
	return l.Index(entry) >= 0
}

func (l *eventLog) Index(entry string) int {
	for i, e := range l.Entries() {
		if e == entry {
			return i
		}
	}
	return -1
}

func (l *eventLog) Count(entry string) int {
	n := 0
	for _, e := range l.Entries() {
		if e == entry {
			n++
		}
	}
	return n
}
