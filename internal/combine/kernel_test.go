package combine

import (
	"context"
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

const sentinel = float32(-12345)

func setLSE[E Element](a *Arguments[E], split, batch, head, m int, v float32) {
	l := a.Layout.LSEPartial
	a.LSEPartial[int64(split)*l.Split+int64(batch)*l.Batch+int64(head)*l.Head+int64(m)*l.Seq] = v
}

func fillO[E Element](a *Arguments[E], split, batch, head, m int, v float32) {
	l := a.Layout.OPartial
	base := int64(split)*l.Split + int64(batch)*l.Batch + int64(head)*l.Head + int64(m)*l.Seq
	for d := range a.Shape.Dim {
		a.OPartial[base+int64(d)] = v
	}
}

func outAt[E Element](a *Arguments[E], batch, head, m, d int) float32 {
	l := a.Layout.O
	return ToFloat32(a.O[int64(batch)*l.Batch+int64(head)*l.Head+int64(m)*l.Seq+int64(d)])
}

func lseAt[E Element](a *Arguments[E], batch, head, m int) float32 {
	l := a.Layout.LSE
	return a.LSE[int64(batch)*l.Batch+int64(head)*l.Head+int64(m)*l.Seq]
}

func prefill[E Element](a *Arguments[E]) {
	conv := converter[E]()
	for i := range a.O {
		a.O[i] = conv(sentinel)
	}
	for i := range a.LSE {
		a.LSE[i] = sentinel
	}
}

// threeSplitArgs builds a problem where every row has statistics {1, 2, empty}
// and partial outputs {1, 3, 100}.
func threeSplitArgs[E Element]() Arguments[E] {
	a := newArgs[E](Shape{Seqlen: 4, Dim: 4, Splits: 3, Heads: 1, Batch: 1})
	for m := range 4 {
		for s, v := range []float32{1, 2, negInf} {
			setLSE(&a, s, 0, 0, m, v)
		}
		for s, v := range []float32{1, 3, 100} {
			fillO(&a, s, 0, 0, m, v)
		}
	}
	return a
}

func runCombine[E Element](t *testing.T, cfg Config, a Arguments[E]) {
	t.Helper()
	k := must.M1(NewKernel[E](cfg))
	require.NoError(t, k.Combine(context.Background(), a))
}

func TestCombineThreeSplits(t *testing.T) {
	a := threeSplitArgs[float32]()
	runCombine(t, DefaultConfig(), a)

	wantLSE := math.Log(math.E + math.E*math.E)
	wantOut := (1 + 3*math.E) / (1 + math.E)
	for m := range 4 {
		assert.InDelta(t, wantLSE, lseAt(&a, 0, 0, m), 1e-5)
		for d := range 4 {
			assert.InDelta(t, wantOut, outAt(&a, 0, 0, m, d), 1e-5)
		}
	}
}

func TestCombineHalfPrecisionOutputs(t *testing.T) {
	wantOut := (1 + 3*math.E) / (1 + math.E)

	h := threeSplitArgs[float16.Float16]()
	runCombine(t, DefaultConfig(), h)
	assert.InDelta(t, wantOut, outAt(&h, 0, 0, 0, 0), 2e-3)
	assert.Equal(t, "F16", DTypeName[float16.Float16]())

	b := threeSplitArgs[bfloat16.BFloat16]()
	runCombine(t, DefaultConfig(), b)
	assert.InDelta(t, wantOut, outAt(&b, 0, 0, 0, 0), 1.6e-2)
	assert.InDelta(t, math.Log(math.E+math.E*math.E), lseAt(&b, 0, 0, 3), 1e-5, "statistics stay float32")
}

func TestCombineSingleSplitIsIdentity(t *testing.T) {
	s := Shape{Seqlen: 8, Dim: 12, Splits: 1, Heads: 3, Batch: 2}
	a := newArgs[float32](s)
	for i := range a.OPartial {
		a.OPartial[i] = float32(i%17) - 8
	}
	for i := range a.LSEPartial {
		a.LSEPartial[i] = float32(i%5) - 2
	}
	runCombine(t, DefaultConfig(), a)

	assert.InDeltaSlice(t, a.LSEPartial, a.LSE, 1e-5)
	assert.InDeltaSlice(t, a.OPartial, a.O, 1e-6)
}

func TestCombineAllSplitsEmpty(t *testing.T) {
	a := newArgs[float32](Shape{Seqlen: 4, Dim: 8, Splits: 5, Heads: 2, Batch: 1})
	for i := range a.LSEPartial {
		a.LSEPartial[i] = negInf
	}
	for i := range a.OPartial {
		a.OPartial[i] = float32(math.NaN())
	}
	prefill(&a)
	runCombine(t, DefaultConfig(), a)

	for i, v := range a.LSE {
		assert.Equal(t, negInf, v, "lse[%d]", i)
	}
	for i, v := range a.O {
		assert.Equal(t, float32(0), v, "out[%d]", i)
	}
}

func TestCombineZeroWeightSkipsNaNPartials(t *testing.T) {
	a := newArgs[float32](Shape{Seqlen: 4, Dim: 4, Splits: 6, Heads: 1, Batch: 1})
	for m := range 4 {
		for s := range 6 {
			setLSE(&a, s, 0, 0, m, negInf)
			fillO(&a, s, 0, 0, m, float32(math.NaN()))
		}
		// Only split 4 saw keys; the rest would poison the sum if read.
		setLSE(&a, 4, 0, 0, m, 0.5)
		fillO(&a, 4, 0, 0, m, 7)
	}
	runCombine(t, DefaultConfig(), a)
	for i, v := range a.O {
		assert.Equal(t, float32(7), v, "out[%d]", i)
	}
}

func TestCombineLeavesRowsPastSequenceUntouched(t *testing.T) {
	s := Shape{Seqlen: 8, Dim: 8, Splits: 2, Heads: 2, Batch: 2}
	a := newArgs[float32](s)
	a.SeqUsed = []int32{4, 0}
	for i := range a.OPartial {
		a.OPartial[i] = 1
	}
	prefill(&a)
	runCombine(t, varlenConfig(), a)

	for h := range 2 {
		for m := range 8 {
			if m < 4 {
				assert.InDelta(t, math.Log(2), lseAt(&a, 0, h, m), 1e-6)
				assert.InDelta(t, 1, outAt(&a, 0, h, m, 0), 1e-6)
			} else {
				assert.Equal(t, sentinel, lseAt(&a, 0, h, m), "batch 0 head %d row %d", h, m)
				assert.Equal(t, sentinel, outAt(&a, 0, h, m, 7))
			}
			assert.Equal(t, sentinel, lseAt(&a, 1, h, m), "empty batch is never written")
			assert.Equal(t, sentinel, outAt(&a, 1, h, m, 0))
		}
	}
}

func TestCombineTailTileInFixedMode(t *testing.T) {
	// 12 rows in 8-row tiles: the second unit has four rows past the end.
	s := Shape{Seqlen: 4, Dim: 4, Splits: 2, Heads: 3, Batch: 1}
	a := newArgs[float32](s)
	for i := range a.OPartial {
		a.OPartial[i] = 2
	}
	// Room after the last row must survive.
	a.O = append(a.O, make([]float32, 4)...)
	a.LSE = append(a.LSE, sentinel)
	prefill(&a)
	runCombine(t, DefaultConfig(), a)

	for i := range 12 {
		assert.InDelta(t, math.Log(2), a.LSE[i], 1e-6)
	}
	assert.Equal(t, sentinel, a.LSE[12])
	assert.Equal(t, sentinel, a.O[len(a.O)-1])
}

func TestCombineVarlenIsolation(t *testing.T) {
	// Three packed sequences of 4, 8 and 4 tokens; the last uses only 0 of them.
	s := Shape{Seqlen: 16, Dim: 8, Splits: 3, Heads: 2, Batch: 1}
	a := newArgs[float32](s)
	a.CuSeqlens = []int32{0, 4, 12, 16}
	a.SeqUsed = []int32{4, 8, 0}
	seqOf := func(tok int) int {
		switch {
		case tok < 4:
			return 0
		case tok < 12:
			return 1
		default:
			return 2
		}
	}
	for h := range 2 {
		for tok := range 16 {
			q := seqOf(tok)
			for split := range 3 {
				setLSE(&a, split, 0, h, tok, float32(q*split))
				fillO(&a, split, 0, h, tok, float32(10*q+split))
			}
		}
	}
	prefill(&a)
	runCombine(t, varlenConfig(), a)

	for h := range 2 {
		for tok := range 16 {
			q := seqOf(tok)
			if q == 2 {
				assert.Equal(t, sentinel, lseAt(&a, 0, h, tok))
				assert.Equal(t, sentinel, outAt(&a, 0, h, tok, 0))
				continue
			}
			lse, w := MergeStatistics(stats(0, float32(q), float32(2*q)))
			var want float64
			for split, wt := range w {
				want += float64(wt) * float64(10*q+split)
			}
			assert.InDelta(t, lse, lseAt(&a, 0, h, tok), 1e-5, "head %d token %d", h, tok)
			assert.InDelta(t, want, outAt(&a, 0, h, tok, 5), 1e-4, "head %d token %d", h, tok)
		}
	}
}

func TestCombineMatchesReferenceAcrossConfigs(t *testing.T) {
	configs := []Config{
		DefaultConfig(),
		{BlockM: 16, HeadDim: 64, LogMaxSplits: 3, Lanes: 16, AlignmentLSE: 1},
		{BlockM: 32, HeadDim: 128, LogMaxSplits: 6, Lanes: 64, AlignmentLSE: 2, Workers: 3, CopyWorkers: 1},
		{BlockM: 8, HeadDim: 32, LogMaxSplits: 2, Lanes: 8, AlignmentLSE: 4},
	}
	for ci, cfg := range configs {
		g := cfg.Geometry()
		s := Shape{Seqlen: 12, Dim: min(cfg.HeadDim, 40), Splits: min(g.MaxSplits, 7), Heads: 3, Batch: 2}
		got := newArgs[float32](s)
		for i := range got.OPartial {
			got.OPartial[i] = float32((i*37)%101)/50 - 1
		}
		for i := range got.LSEPartial {
			if i%9 == 4 {
				got.LSEPartial[i] = negInf
				continue
			}
			got.LSEPartial[i] = float32((i*53)%29)/4 - 3
		}
		want := newArgs[float32](s)
		copy(want.OPartial, got.OPartial)
		copy(want.LSEPartial, got.LSEPartial)

		k := must.M1(NewKernel[float32](cfg))
		require.NoError(t, k.Combine(context.Background(), got), "config %d", ci)
		Reference(must.M1(k.NewParams(want)))

		assert.InDeltaSlice(t, want.LSE, got.LSE, 1e-4, "config %d lse", ci)
		assert.InDeltaSlice(t, want.O, got.O, 1e-4, "config %d out", ci)
	}
}

func TestLaunchCancelled(t *testing.T) {
	a := threeSplitArgs[float32]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	k := must.M1(NewKernel[float32](DefaultConfig()))
	err := k.Combine(ctx, a)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLaneFaultBecomesUnitError(t *testing.T) {
	k := must.M1(NewKernel[float32](DefaultConfig()))

	// Truncate buffers behind the validator's back so a lane indexes past them.
	p := must.M1(k.NewParams(threeSplitArgs[float32]()))
	p.O = p.O[:2:2]
	err := k.Launch(context.Background(), p)
	require.ErrorIs(t, err, ErrUnitFault)

	p = must.M1(k.NewParams(threeSplitArgs[float32]()))
	p.LSEPartial = p.LSEPartial[:1:1]
	err = k.Launch(context.Background(), p)
	require.ErrorIs(t, err, ErrUnitFault)

	// The kernel is still usable afterwards.
	a := threeSplitArgs[float32]()
	require.NoError(t, k.Combine(context.Background(), a))
}
