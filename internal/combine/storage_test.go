package combine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSharedStoragePhases(t *testing.T) {
	cfg := DefaultConfig()
	s := newSharedStorage(cfg, cfg.Geometry())
	s.reset()

	dst := s.statTarget(3, 4, 4)
	assert.Len(t, dst, 4)
	dst[0] = 7
	assert.Panics(t, func() { s.stats() }, "statistics are not readable while loading")
	assert.Panics(t, func() { s.weights() })
	assert.Panics(t, func() { s.beginWeights() }, "phases cannot be skipped")

	s.beginStatistics()
	assert.Equal(t, float32(7), s.stats().at(3, 4))
	assert.Panics(t, func() { s.statTarget(0, 0, 4) }, "loading is over")
	s.stats().storeWeight(3, 4, 0.25)

	s.beginWeights()
	assert.Equal(t, float32(0.25), s.weights().at(3, 4))
	assert.Panics(t, func() { s.stats() })
	assert.Panics(t, func() { s.beginStatistics() })

	s.reset()
	assert.NotPanics(t, func() { s.statTarget(0, 0, 4) })
}

func TestSharedStorageRing(t *testing.T) {
	cfg := DefaultConfig()
	s := newSharedStorage(cfg, cfg.Geometry())
	assert.Len(t, s.o, Stages*cfg.BlockM*cfg.HeadDim)
	assert.Len(t, s.lse, 32*cfg.BlockM)

	a := s.oChunk(1, 2, 8)
	a[0] = 5
	assert.Equal(t, float32(5), s.o[(1*cfg.BlockM+2)*cfg.HeadDim+8])
	assert.Len(t, a, ElemsPerLoad)
	assert.Equal(t, ElemsPerLoad, cap(a), "chunks cannot grow into their neighbours")
}

func TestScratchPhaseString(t *testing.T) {
	assert.Equal(t, "loading", phaseLoading.String())
	assert.Equal(t, "weights", phaseWeights.String())
	assert.Equal(t, "phase(9)", scratchPhase(9).String())
}
