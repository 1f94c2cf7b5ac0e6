// Package spectrum computes a coarse frequency spectrum of played audio for
// the visualizer.
package spectrum

import (
	"math"
	"math/cmplx"
	"sync"

	"github.com/glebovdev/cubeplay/internal/audio"
	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
)

const (
	FFTSize      = 512
	DefaultBands = 16
	// FloorDB is the level reported for silence.
	FloorDB = -60.0
)

// Analyzer implements audio.Analyzer. It keeps a rolling window of the most
// recent mono samples and turns it into logarithmically spaced bands.
type Analyzer struct {
	mu      sync.Mutex
	samples []float64
	filled  int
	bands   []float64
	hamming []float64
}

func New(bands int) *Analyzer {
	if bands <= 0 {
		bands = DefaultBands
	}
	a := &Analyzer{
		samples: make([]float64, FFTSize),
		bands:   make([]float64, bands),
		hamming: window.Hamming(FFTSize),
	}
	for i := range a.bands {
		a.bands[i] = FloorDB
	}
	return a
}

func (a *Analyzer) Analyze(buf *audio.Buffer) {
	a.mu.Lock()
	defer a.mu.Unlock()

	src := buf.Samples
	if len(src) > FFTSize {
		src = src[len(src)-FFTSize:]
	}
	k := len(src)
	copy(a.samples, a.samples[k:])
	for i, frame := range src {
		a.samples[FFTSize-k+i] = (frame[0] + frame[1]) / 2
	}
	a.filled = min(FFTSize, a.filled+k)
	if a.filled < FFTSize {
		return
	}

	windowed := make([]float64, FFTSize)
	for i, s := range a.samples {
		windowed[i] = s * a.hamming[i]
	}
	coeffs := fft.FFTReal(windowed)

	bins := FFTSize / 2
	edges := bandEdges(len(a.bands), bins)
	for b := range a.bands {
		peak := 0.0
		for i := edges[b]; i < edges[b+1]; i++ {
			peak = math.Max(peak, cmplx.Abs(coeffs[i]))
		}
		a.bands[b] = toDB(peak * 2 / FFTSize)
	}
}

// bandEdges splits bins 1..n into count ranges of growing width.
func bandEdges(count, n int) []int {
	edges := make([]int, count+1)
	edges[0] = 1
	for b := 1; b <= count; b++ {
		edge := int(math.Round(math.Pow(float64(n), float64(b)/float64(count))))
		edges[b] = max(edge, edges[b-1]+1)
	}
	edges[count] = n
	return edges
}

func toDB(magnitude float64) float64 {
	if magnitude <= 0 {
		return FloorDB
	}
	return math.Max(FloorDB, 20*math.Log10(magnitude))
}

// Bands returns the current band levels in dB, lowest frequency first.
func (a *Analyzer) Bands() []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]float64(nil), a.bands...)
}

// Levels returns the band levels scaled to 0..1.
func (a *Analyzer) Levels() []float64 {
	bands := a.Bands()
	for i, db := range bands {
		bands[i] = (db - FloorDB) / -FloorDB
	}
	return bands
}

// Reset returns every band to silence.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.samples {
		a.samples[i] = 0
	}
	for i := range a.bands {
		a.bands[i] = FloorDB
	}
	a.filled = 0
}
