package audio

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrOutputNotFound is returned when a named output is not registered.
var ErrOutputNotFound = errors.New("output not found")

type PlayResult int

const (
	BufferWritten PlayResult = iota
	BufferFull
	InvalidState
)

func (r PlayResult) String() string {
	switch r {
	case BufferWritten:
		return "WRITTEN"
	case BufferFull:
		return "FULL"
	case InvalidState:
		return "INVALID_STATE"
	default:
		return "UNKNOWN"
	}
}

// BufferProvider is told when an output has finished with a buffer.
type BufferProvider interface {
	OnBufferProcessed(buf *Buffer)
}

// Output is an audio sink. Play either accepts a buffer, in which case
// OnBufferProcessed is later called exactly once for it from another
// goroutine, or rejects it so the caller can retry. Stop discards queued
// buffers and reports each of them to its provider before returning.
type Output interface {
	Name() string
	Play(buf *Buffer, provider BufferProvider) PlayResult
	Pause()
	Resume()
	Stop()
	Drain()
	SetVolume(volume float64)
	Volume() float64
	Close() error
}

// NullOutput accepts nothing. It stands in when no device is available.
type NullOutput struct {
	mu     sync.Mutex
	volume float64
}

func NewNullOutput() *NullOutput {
	return &NullOutput{volume: 1}
}

func (o *NullOutput) Name() string                            { return "null" }
func (o *NullOutput) Play(*Buffer, BufferProvider) PlayResult { return InvalidState }
func (o *NullOutput) Pause()                                  {}
func (o *NullOutput) Resume()                                 {}
func (o *NullOutput) Stop()                                   {}
func (o *NullOutput) Drain()                                  {}
func (o *NullOutput) Close() error                            { return nil }

func (o *NullOutput) SetVolume(volume float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.volume = volume
}

func (o *NullOutput) Volume() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.volume
}

// OutputSupplier creates a fresh output instance.
type OutputSupplier func() (Output, error)

// OutputRegistry holds the outputs available to a transport.
type OutputRegistry struct {
	mu        sync.RWMutex
	suppliers map[string]OutputSupplier
	selected  string
}

func NewOutputRegistry() *OutputRegistry {
	return &OutputRegistry{suppliers: make(map[string]OutputSupplier)}
}

func (r *OutputRegistry) Register(name string, supplier OutputSupplier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suppliers[name] = supplier
}

// Names returns registered output names, sorted case-insensitively.
func (r *OutputRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.suppliers))
	for name := range r.suppliers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})
	return names
}

// Select sets the output used when Create is called without a name.
func (r *OutputRegistry) Select(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.suppliers[name]; !ok {
		return fmt.Errorf("select %q: %w", name, ErrOutputNotFound)
	}
	r.selected = name
	return nil
}

func (r *OutputRegistry) Selected() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selected
}

// Create instantiates the named output. An empty name falls back to the
// selected output, then to the first registered one, then to NullOutput.
func (r *OutputRegistry) Create(name string) (Output, error) {
	if name != "" {
		r.mu.RLock()
		supplier, ok := r.suppliers[name]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("create %q: %w", name, ErrOutputNotFound)
		}
		return supplier()
	}

	if selected := r.Selected(); selected != "" {
		return r.Create(selected)
	}

	names := r.Names()
	if len(names) == 0 {
		log.Warn().Msg("No outputs registered, using null output")
		return NewNullOutput(), nil
	}
	return r.Create(names[0])
}
