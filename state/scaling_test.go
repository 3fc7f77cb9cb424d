package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadWindow(t *testing.T) {
	cfg := testConfig()
	w := NewLoadWindow(cfg)

	w.Record(19000)
	w.Record(19000)
	assert.False(t, w.Overloaded(), "half of the window is not a majority")

	w.Record(19000)
	assert.True(t, w.Overloaded())
	assert.False(t, w.Underloaded())

	// old samples fall out of the window
	for i := 0; i < cfg.BlockSampleSize; i++ {
		w.Record(100)
	}
	overloaded, underloaded := w.Counts()
	assert.Equal(t, 0, overloaded)
	assert.Equal(t, cfg.BlockSampleSize, underloaded)
	assert.True(t, w.Underloaded())

	w.Record(10000)
	_, underloaded = w.Counts()
	assert.Equal(t, cfg.BlockSampleSize-1, underloaded)

	w.Reset()
	assert.False(t, w.Underloaded())
}
