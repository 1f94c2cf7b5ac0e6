// Package service keeps the play queue and drives the transport through it.
package service

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/glebovdev/cubeplay/internal/audio"
	"github.com/glebovdev/cubeplay/internal/playlist"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/samber/lo/mutable"
)

// PreviousRestartThreshold is how far into a track Previous restarts it
// instead of going back.
const PreviousRestartThreshold = 3.0

var ErrIndexOutOfRange = errors.New("track index out of range")

type RepeatMode int

const (
	RepeatNone RepeatMode = iota
	RepeatList
	RepeatTrack
)

func (m RepeatMode) String() string {
	switch m {
	case RepeatNone:
		return "none"
	case RepeatList:
		return "list"
	case RepeatTrack:
		return "track"
	default:
		return "unknown"
	}
}

func ParseRepeatMode(s string) (RepeatMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return RepeatNone, nil
	case "list":
		return RepeatList, nil
	case "track":
		return RepeatTrack, nil
	default:
		return RepeatNone, fmt.Errorf("unknown repeat mode %q", s)
	}
}

// Next cycles none -> list -> track -> none.
func (m RepeatMode) Next() RepeatMode {
	return (m + 1) % 3
}

// Transport is the part of audio.Transport the service drives.
type Transport interface {
	Start(url string) error
	PrepareNextTrack(url string) error
	Stop()
	Pause() bool
	Resume() bool
	State() audio.PlaybackState
	Position() float64
	SetPosition(seconds float64)
	OnStreamEvent(fn func(audio.StreamEvent)) (disconnect func())
	OnPlaybackState(fn func(audio.PlaybackState)) (disconnect func())
}

type event struct {
	stream *audio.StreamEvent
	state  audio.PlaybackState
}

// PlaybackService owns the queue. Transport events are handled on the
// service's own goroutine so handlers may call back into the transport.
type PlaybackService struct {
	transport Transport

	mu        sync.Mutex
	original  []playlist.Track
	order     []int
	index     int
	nextIndex int
	lastIndex int
	// pending is the url started by Play until the transport reports it.
	pending string
	// finished is set when the current track ran out on its own.
	finished bool
	repeat   RepeatMode
	shuffled bool

	queueMu sync.Mutex
	queue   []event
	wake    chan struct{}
	done    chan struct{}
	exited  chan struct{}

	disconnect []func()
	closeOnce  sync.Once

	// TrackChanged carries the playing index in Tracks(), or -1 when stopped.
	TrackChanged audio.Signal[int]
	QueueChanged audio.Signal[[]playlist.Track]
	ModeChanged  audio.Signal[RepeatMode]
}

func NewPlaybackService(t Transport) *PlaybackService {
	s := &PlaybackService{
		transport: t,
		index:     -1,
		nextIndex: -1,
		lastIndex: -1,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}

	s.disconnect = append(s.disconnect,
		t.OnStreamEvent(func(e audio.StreamEvent) { s.enqueue(event{stream: &e}) }),
		t.OnPlaybackState(func(st audio.PlaybackState) { s.enqueue(event{state: st}) }),
	)

	go s.run()
	return s
}

func (s *PlaybackService) enqueue(e event) {
	s.queueMu.Lock()
	s.queue = append(s.queue, e)
	s.queueMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *PlaybackService) run() {
	defer close(s.exited)
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}

		s.queueMu.Lock()
		batch := s.queue
		s.queue = nil
		s.queueMu.Unlock()

		for _, e := range batch {
			if e.stream != nil {
				s.handleStream(*e.stream)
			} else {
				s.handleState(e.state)
			}
		}
	}
}

func (s *PlaybackService) handleStream(e audio.StreamEvent) {
	switch e.Type {
	case audio.StreamPlaying:
		s.mu.Lock()
		switch {
		case s.nextIndex >= 0 && s.urlAt(s.nextIndex) == e.URL:
			s.index = s.nextIndex
		case s.index >= 0 && s.urlAt(s.index) == e.URL:
		default:
			s.mu.Unlock()
			return
		}
		s.nextIndex = -1
		s.lastIndex = s.index
		s.pending = ""
		s.finished = false
		index := s.index
		s.mu.Unlock()

		log.Debug().Int("index", index).Str("url", e.URL).Msg("Track changed")
		s.TrackChanged.Emit(index)
		s.prepareNext()

	case audio.StreamFinished:
		s.mu.Lock()
		if s.index >= 0 && s.urlAt(s.index) == e.URL {
			s.finished = true
		}
		s.mu.Unlock()

	case audio.StreamStopped:
		s.mu.Lock()
		s.finished = false
		s.mu.Unlock()

	case audio.StreamError:
		log.Warn().Str("url", e.URL).Msg("Track failed to play")
		s.mu.Lock()
		if s.pending == e.URL {
			s.pending = ""
		}
		s.finished = false
		s.mu.Unlock()
		// a track that fails before it starts leaves the transport stopped
		// without a state change
		s.handleState(s.transport.State())
	}
}

func (s *PlaybackService) handleState(state audio.PlaybackState) {
	if state != audio.PlaybackStopped || s.transport.State() != audio.PlaybackStopped {
		return
	}

	s.mu.Lock()
	if s.pending != "" {
		// left over from before the last Play
		s.mu.Unlock()
		return
	}
	// the track ran out before the one prepared to follow it was staged
	if s.finished && s.nextIndex >= 0 {
		next := s.nextIndex
		s.finished = false
		s.mu.Unlock()

		log.Debug().Int("index", next).Msg("Starting next track late")
		err := s.Play(next)
		if err == nil {
			return
		}
		log.Warn().Err(err).Int("index", next).Msg("Failed to start next track")
		s.mu.Lock()
	}

	changed := s.index >= 0
	s.index = -1
	s.nextIndex = -1
	s.finished = false
	s.mu.Unlock()

	if changed {
		s.TrackChanged.Emit(-1)
	}
}

// urlAt is called with mu held.
func (s *PlaybackService) urlAt(i int) string {
	if i < 0 || i >= len(s.order) {
		return ""
	}
	return s.original[s.order[i]].URL
}

// followingLocked returns the index that plays after the current one on its
// own, or -1.
func (s *PlaybackService) followingLocked() int {
	n := len(s.order)
	if s.index < 0 || n == 0 {
		return -1
	}
	switch s.repeat {
	case RepeatTrack:
		return s.index
	case RepeatList:
		return (s.index + 1) % n
	default:
		if s.index+1 < n {
			return s.index + 1
		}
		return -1
	}
}

func (s *PlaybackService) prepareNext() {
	s.mu.Lock()
	next := s.followingLocked()
	s.nextIndex = next
	url := s.urlAt(next)
	s.mu.Unlock()

	if err := s.transport.PrepareNextTrack(url); err != nil {
		log.Warn().Err(err).Str("url", url).Msg("Failed to prepare next track")
		s.mu.Lock()
		s.nextIndex = -1
		s.mu.Unlock()
	}
}

// SetQueue replaces the queue and stops playback.
func (s *PlaybackService) SetQueue(tracks []playlist.Track) {
	s.transport.Stop()

	s.mu.Lock()
	s.original = append([]playlist.Track(nil), tracks...)
	s.order = lo.Range(len(tracks))
	s.index = -1
	s.nextIndex = -1
	s.lastIndex = -1
	s.pending = ""
	s.finished = false
	if s.shuffled {
		mutable.Shuffle(s.order)
	}
	queue := s.tracksLocked()
	s.mu.Unlock()

	s.QueueChanged.Emit(queue)
}

// Play starts the track at index i of Tracks().
func (s *PlaybackService) Play(i int) error {
	s.mu.Lock()
	if i < 0 || i >= len(s.order) {
		s.mu.Unlock()
		return fmt.Errorf("%d: %w", i, ErrIndexOutOfRange)
	}
	s.index = i
	s.nextIndex = -1
	s.lastIndex = i
	s.finished = false
	url := s.urlAt(i)
	s.pending = url
	s.mu.Unlock()

	if err := s.transport.Start(url); err != nil {
		s.mu.Lock()
		s.pending = ""
		s.mu.Unlock()
		return err
	}
	return nil
}

// Next skips forward. It returns false at the end of a non-repeating queue.
func (s *PlaybackService) Next() bool {
	s.mu.Lock()
	n := len(s.order)
	current := s.index
	if current < 0 {
		current = s.lastIndex
	}
	next := current + 1
	if next >= n {
		if s.repeat != RepeatList || n == 0 {
			s.mu.Unlock()
			return false
		}
		next = 0
	}
	s.mu.Unlock()

	return s.Play(next) == nil
}

// Previous restarts the current track when it has played for a while,
// otherwise goes back one track.
func (s *PlaybackService) Previous() bool {
	if s.transport.State() != audio.PlaybackStopped && s.transport.Position() > PreviousRestartThreshold {
		s.transport.SetPosition(0)
		return true
	}

	s.mu.Lock()
	n := len(s.order)
	current := s.index
	if current < 0 {
		current = s.lastIndex
	}
	prev := current - 1
	if prev < 0 {
		if s.repeat == RepeatList && n > 0 {
			prev = n - 1
		} else {
			prev = 0
		}
	}
	s.mu.Unlock()

	return s.Play(prev) == nil
}

func (s *PlaybackService) Stop() {
	s.mu.Lock()
	s.nextIndex = -1
	s.finished = false
	s.mu.Unlock()
	s.transport.Stop()
}

// TogglePause pauses, resumes, or when stopped restarts the last track.
func (s *PlaybackService) TogglePause() {
	switch s.transport.State() {
	case audio.PlaybackPlaying:
		s.transport.Pause()
	case audio.PlaybackPaused:
		s.transport.Resume()
	default:
		s.mu.Lock()
		i := max(s.lastIndex, 0)
		s.mu.Unlock()
		if err := s.Play(i); err != nil {
			log.Debug().Err(err).Msg("Nothing to play")
		}
	}
}

func (s *PlaybackService) SetRepeatMode(mode RepeatMode) {
	s.mu.Lock()
	s.repeat = mode
	playing := s.index >= 0
	s.mu.Unlock()

	log.Debug().Str("repeat", mode.String()).Msg("Repeat mode changed")
	s.ModeChanged.Emit(mode)
	if playing {
		s.prepareNext()
	}
}

func (s *PlaybackService) RepeatMode() RepeatMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repeat
}

func (s *PlaybackService) IsShuffled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuffled
}

// ToggleShuffle shuffles or restores the queue order. The current track
// keeps playing and moves to the front of a shuffled queue.
func (s *PlaybackService) ToggleShuffle() bool {
	s.mu.Lock()
	current := -1
	if s.index >= 0 {
		current = s.order[s.index]
	}

	if s.shuffled {
		s.order = lo.Range(len(s.original))
		s.index = current
	} else {
		rest := lo.Without(lo.Range(len(s.original)), current)
		mutable.Shuffle(rest)
		if current >= 0 {
			s.order = append([]int{current}, rest...)
			s.index = 0
		} else {
			s.order = rest
		}
	}
	s.shuffled = !s.shuffled
	s.lastIndex = s.index
	shuffled := s.shuffled
	playing := s.index >= 0
	queue := s.tracksLocked()
	s.mu.Unlock()

	log.Debug().Bool("shuffle", shuffled).Msg("Shuffle toggled")
	s.QueueChanged.Emit(queue)
	if playing {
		s.prepareNext()
	}
	return shuffled
}

// Current returns the playing index in Tracks() and its track.
func (s *PlaybackService) Current() (int, playlist.Track, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index < 0 {
		return -1, playlist.Track{}, false
	}
	return s.index, s.original[s.order[s.index]], true
}

// Tracks returns the queue in play order.
func (s *PlaybackService) Tracks() []playlist.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracksLocked()
}

// OriginalTracks returns the queue in the order it was set.
func (s *PlaybackService) OriginalTracks() []playlist.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]playlist.Track(nil), s.original...)
}

func (s *PlaybackService) tracksLocked() []playlist.Track {
	return lo.Map(s.order, func(i int, _ int) playlist.Track {
		return s.original[i]
	})
}

// Close disconnects from the transport and stops the event goroutine. It
// does not stop playback.
func (s *PlaybackService) Close() {
	s.closeOnce.Do(func() {
		for _, d := range s.disconnect {
			d()
		}
		close(s.done)
		<-s.exited
	})
}
