package state

import (
	"sync"

	"github.com/thrylos-labs/shardtree/config"
)

type loadSample struct {
	overloaded  bool
	underloaded bool
}

// LoadWindow keeps the load samples of the last W blocks of a shard.
type LoadWindow struct {
	mu      sync.Mutex
	samples []loadSample
	next    int
	filled  int

	overloadLimit    float64
	underloadedLimit float64
}

func NewLoadWindow(cfg *config.Config) *LoadWindow {
	return &LoadWindow{
		samples:          make([]loadSample, cfg.BlockSampleSize),
		overloadLimit:    cfg.OverloadThreshold * float64(cfg.MaxBlockSize),
		underloadedLimit: cfg.UnderloadedThreshold * float64(cfg.MaxBlockSize),
	}
}

// Record samples a block of the given content size.
func (w *LoadWindow) Record(contentSize int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	size := float64(contentSize)
	w.samples[w.next] = loadSample{
		overloaded:  size > w.overloadLimit,
		underloaded: size < w.underloadedLimit,
	}
	w.next = (w.next + 1) % len(w.samples)
	if w.filled < len(w.samples) {
		w.filled++
	}
}

// Counts returns the overloaded and underloaded sample counts.
func (w *LoadWindow) Counts() (overloaded, underloaded int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, s := range w.samples[:w.filled] {
		if s.overloaded {
			overloaded++
		}
		if s.underloaded {
			underloaded++
		}
	}
	return overloaded, underloaded
}

func (w *LoadWindow) Overloaded() bool {
	overloaded, _ := w.Counts()
	return float64(overloaded) > float64(len(w.samples))/2
}

func (w *LoadWindow) Underloaded() bool {
	_, underloaded := w.Counts()
	return float64(underloaded) > float64(len(w.samples))/2
}

// Reset forgets every sample.
func (w *LoadWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next, w.filled = 0, 0
}
