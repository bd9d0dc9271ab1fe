package combine

import "fmt"

// scratchPhase tracks what the statistic area currently holds. The loader fills
// it with raw statistics, the merge engine rewrites every slot in place with its
// renormalization weight, and the accumulator only ever reads weights.
type scratchPhase int

const (
	phaseLoading scratchPhase = iota
	phaseStatistics
	phaseWeights
)

func (p scratchPhase) String() string {
	switch p {
	case phaseLoading:
		return "loading"
	case phaseStatistics:
		return "statistics"
	case phaseWeights:
		return "weights"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// sharedStorage is the scratch memory of one compute unit.
type sharedStorage struct {
	blockM, headDim int

	// lse is (MaxSplits, BlockM), one row per split.
	lse []float32
	// o is the prefetch ring, (Stages, BlockM, HeadDim).
	o []float32

	phase scratchPhase
}

func newSharedStorage(cfg Config, g Geometry) *sharedStorage {
	return &sharedStorage{
		blockM:  cfg.BlockM,
		headDim: cfg.HeadDim,
		lse:     make([]float32, g.MaxSplits*cfg.BlockM),
		o:       make([]float32, Stages*cfg.BlockM*cfg.HeadDim),
	}
}

func (s *sharedStorage) reset() { s.phase = phaseLoading }

// The phase transitions run as barrier actions, while every lane is parked.
func (s *sharedStorage) beginStatistics() { s.advance(phaseLoading, phaseStatistics) }
func (s *sharedStorage) beginWeights()    { s.advance(phaseStatistics, phaseWeights) }

func (s *sharedStorage) advance(from, to scratchPhase) {
	if s.phase != from {
		panic(fmt.Sprintf("combine: scratch moved to %s from %s, want %s", to, s.phase, from))
	}
	s.phase = to
}

func (s *sharedStorage) require(want scratchPhase) {
	if s.phase != want {
		panic(fmt.Sprintf("combine: scratch read as %s during %s", want, s.phase))
	}
}

// statTarget returns n statistic slots of split starting at row m, for the loader.
func (s *sharedStorage) statTarget(split, m, n int) []float32 {
	s.require(phaseLoading)
	i := split*s.blockM + m
	return s.lse[i : i+n : i+n]
}

type statsView struct{ s *sharedStorage }

func (s *sharedStorage) stats() statsView {
	s.require(phaseStatistics)
	return statsView{s}
}

func (v statsView) at(split, m int) float32 { return v.s.lse[split*v.s.blockM+m] }

// storeWeight overwrites the statistic of (split, m) with its weight.
func (v statsView) storeWeight(split, m int, w float32) { v.s.lse[split*v.s.blockM+m] = w }

type weightsView struct{ s *sharedStorage }

func (s *sharedStorage) weights() weightsView {
	s.require(phaseWeights)
	return weightsView{s}
}

func (v weightsView) at(split, m int) float32 { return v.s.lse[split*v.s.blockM+m] }

// oChunk returns the ElemsPerLoad slots of stage at (m, k).
func (s *sharedStorage) oChunk(stage, m, k int) []float32 {
	i := (stage*s.blockM+m)*s.headDim + k
	return s.o[i : i+ElemsPerLoad : i+ElemsPerLoad]
}
