package problem

import (
	"math"
	"math/rand/v2"

	"github.com/rsxdalv/flash-attention/internal/combine"
)

// RandomSpec describes a synthetic problem.
type RandomSpec struct {
	Splits int `json:"splits"`
	Seqlen int `json:"seqlen"`
	Heads  int `json:"heads"`
	Batch  int `json:"batch"`
	Dim    int `json:"dim"`

	// Packed draws Batch sequence lengths in [0, Seqlen] and concatenates them
	// behind a cu_seqlens table.
	Packed bool `json:"packed"`
	// SeqUsed draws a used length per batch, no longer than the sequence.
	SeqUsed bool `json:"seqused"`
	// Align rounds every drawn length down to a multiple of itself.
	Align int `json:"align"`
	// EmptyProb is the chance that a split saw no keys for a row, which shows
	// up as a -inf statistic.
	EmptyProb float64 `json:"empty_prob"`
}

// Random builds a reproducible problem from spec.
func Random(spec RandomSpec, seed uint64) *Problem {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	align := max(spec.Align, 1)
	draw := func(limit int) int32 {
		return int32(rng.IntN(limit/align+1) * align)
	}

	p := &Problem{Shape: combine.Shape{
		Splits: spec.Splits,
		Seqlen: spec.Seqlen,
		Heads:  spec.Heads,
		Batch:  spec.Batch,
		Dim:    spec.Dim,
	}}
	lengths := make([]int32, spec.Batch)
	for b := range lengths {
		lengths[b] = int32(spec.Seqlen)
	}
	if spec.Packed {
		p.Packed = true
		p.CuSeqlens = make([]int32, spec.Batch+1)
		for b := range spec.Batch {
			lengths[b] = draw(spec.Seqlen)
			p.CuSeqlens[b+1] = p.CuSeqlens[b] + lengths[b]
		}
		p.Shape.Seqlen = int(p.CuSeqlens[spec.Batch])
		p.Shape.Batch = 1
	}
	if spec.SeqUsed {
		p.SeqUsed = make([]int32, spec.Batch)
		for b := range p.SeqUsed {
			p.SeqUsed[b] = draw(int(lengths[b]))
		}
	}

	s := p.Shape
	p.OPartial = make([]float32, s.Splits*s.Batch*s.Seqlen*s.Heads*s.Dim)
	for i := range p.OPartial {
		p.OPartial[i] = rng.Float32()*2 - 1
	}
	p.LSEPartial = make([]float32, s.Splits*s.Batch*s.Heads*s.Seqlen)
	for i := range p.LSEPartial {
		if rng.Float64() < spec.EmptyProb {
			p.LSEPartial[i] = float32(math.Inf(-1))
			continue
		}
		p.LSEPartial[i] = float32(rng.NormFloat64() * 3)
	}
	return p
}
