package problem

import (
	"math"
	"math/rand/v2"
	"runtime"
	"sync"

	"github.com/rsxdalv/flash-attention/internal/combine"
)

// AttentionSpec describes a small dense attention whose key sequence is cut
// into Splits contiguous chunks, the way a split-KV forward pass would see it.
type AttentionSpec struct {
	Splits  int `json:"splits"`
	Batch   int `json:"batch"`
	Queries int `json:"queries"`
	Keys    int `json:"keys"`
	Heads   int `json:"heads"`
	KvHeads int `json:"kv_heads"`
	Dim     int `json:"dim"`
}

// Attention holds q (batch, queries, heads, dim) and k, v
// (batch, keys, kv_heads, dim).
type Attention struct {
	Spec    AttentionSpec
	Q, K, V []float32
	Scale   float32
}

// RandomAttention draws q, k and v uniformly in [-1, 1).
func RandomAttention(spec AttentionSpec, seed uint64) *Attention {
	if spec.KvHeads <= 0 {
		spec.KvHeads = spec.Heads
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x6a09e667f3bcc908))
	fill := func(n int) []float32 {
		x := make([]float32, n)
		for i := range x {
			x[i] = rng.Float32()*2 - 1
		}
		return x
	}
	return &Attention{
		Spec:  spec,
		Q:     fill(spec.Batch * spec.Queries * spec.Heads * spec.Dim),
		K:     fill(spec.Batch * spec.Keys * spec.KvHeads * spec.Dim),
		V:     fill(spec.Batch * spec.Keys * spec.KvHeads * spec.Dim),
		Scale: float32(1 / math.Sqrt(float64(max(spec.Dim, 1)))),
	}
}

// chunk returns the key range of split s. Trailing splits are empty when
// there are fewer keys than splits.
func (a *Attention) chunk(s int) (lo, hi int) {
	n := (a.Spec.Keys + a.Spec.Splits - 1) / max(a.Spec.Splits, 1)
	lo = min(s*n, a.Spec.Keys)
	hi = min(lo+n, a.Spec.Keys)
	return lo, hi
}

// Partials runs attention once per key chunk and returns the per-split
// outputs and log-sum-exps as a fixed-layout problem.
func (a *Attention) Partials() *Problem {
	sp := a.Spec
	p := &Problem{Shape: combine.Shape{
		Splits: sp.Splits,
		Seqlen: sp.Queries,
		Heads:  sp.Heads,
		Batch:  sp.Batch,
		Dim:    sp.Dim,
	}}
	p.OPartial = make([]float32, sp.Splits*sp.Batch*sp.Queries*sp.Heads*sp.Dim)
	p.LSEPartial = make([]float32, sp.Splits*sp.Batch*sp.Heads*sp.Queries)
	for s := range sp.Splits {
		lo, hi := a.chunk(s)
		out := p.OPartial[s*sp.Batch*sp.Queries*sp.Heads*sp.Dim:][:sp.Batch*sp.Queries*sp.Heads*sp.Dim]
		lse := p.LSEPartial[s*sp.Batch*sp.Heads*sp.Queries:][:sp.Batch*sp.Heads*sp.Queries]
		a.run(lo, hi, out, lse)
	}
	return p
}

// Full runs attention over every key. out is (batch, queries, heads, dim) and
// lse is (batch, heads, queries).
func (a *Attention) Full() (out, lse []float32) {
	sp := a.Spec
	out = make([]float32, sp.Batch*sp.Queries*sp.Heads*sp.Dim)
	lse = make([]float32, sp.Batch*sp.Heads*sp.Queries)
	a.run(0, sp.Keys, out, lse)
	return out, lse
}

// run fills out and lse for keys [lo, hi). Heads are spread over workers,
// each with its own score buffer.
func (a *Attention) run(lo, hi int, out, lse []float32) {
	sp := a.Spec
	workers := min(runtime.GOMAXPROCS(0), sp.Heads)
	if workers < 1 {
		workers = 1
	}
	per := (sp.Heads + workers - 1) / workers
	var wg sync.WaitGroup
	for w := range workers {
		rs, re := w*per, min((w+1)*per, sp.Heads)
		if rs >= re {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			scores := make([]float32, hi-lo)
			for b := range sp.Batch {
				for q := range sp.Queries {
					for h := rs; h < re; h++ {
						a.head(b, q, h, lo, hi, scores, out, lse)
					}
				}
			}
		}()
	}
	wg.Wait()
}

func (a *Attention) head(b, q, h, lo, hi int, scores, out, lse []float32) {
	sp := a.Spec
	kvHead := h * sp.KvHeads / sp.Heads
	qoff := ((b*sp.Queries+q)*sp.Heads + h) * sp.Dim
	qh := a.Q[qoff : qoff+sp.Dim]
	dst := out[qoff : qoff+sp.Dim]
	lidx := (b*sp.Heads+h)*sp.Queries + q

	if lo >= hi {
		clear(dst)
		lse[lidx] = float32(math.Inf(-1))
		return
	}
	kvStride := sp.KvHeads * sp.Dim
	maxv := float32(math.Inf(-1))
	for t := lo; t < hi; t++ {
		koff := (b*sp.Keys+t)*kvStride + kvHead*sp.Dim
		s := dot(qh, a.K[koff:koff+sp.Dim]) * a.Scale
		scores[t-lo] = s
		maxv = max(maxv, s)
	}
	var sum float64
	for i := range hi - lo {
		e := math.Exp(float64(scores[i] - maxv))
		scores[i] = float32(e)
		sum += e
	}
	inv := float32(1 / sum)
	for d := range sp.Dim {
		var acc float32
		for t := lo; t < hi; t++ {
			voff := (b*sp.Keys+t)*kvStride + kvHead*sp.Dim + d
			acc += scores[t-lo] * a.V[voff]
		}
		dst[d] = acc * inv
	}
	lse[lidx] = float32(math.Log(sum)) + maxv
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
