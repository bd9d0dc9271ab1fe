package combine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func stats(vals ...float32) []Statistic {
	out := make([]Statistic, len(vals))
	for i, v := range vals {
		out[i] = Statistic{Value: v, Valid: v != negInf}
	}
	return out
}

func TestMergeStatisticsExample(t *testing.T) {
	lse, w := MergeStatistics(stats(1, 2, negInf))
	assert.InDelta(t, math.Log(math.E+math.E*math.E), lse, 1e-5)
	assert.InDelta(t, 1/(1+math.E), w[0], 1e-6)
	assert.InDelta(t, math.E/(1+math.E), w[1], 1e-6)
	assert.Equal(t, float32(0), w[2])
}

func TestMergeStatisticsSingleSplit(t *testing.T) {
	for _, v := range []float32{-30, -1.5, 0, 2, 40} {
		lse, w := MergeStatistics(stats(v))
		assert.InDelta(t, v, lse, 1e-5)
		assert.Equal(t, []float32{1}, w)
	}
}

func TestMergeStatisticsAllEmpty(t *testing.T) {
	lse, w := MergeStatistics(stats(negInf, negInf, negInf))
	assert.Equal(t, negInf, lse)
	assert.Equal(t, []float32{0, 0, 0}, w)
}

func TestMergeStatisticsProperties(t *testing.T) {
	inputs := [][]float32{
		{0, 0},
		{3, -2, 7, 1},
		{-100, 50, negInf, 49.5},
		{88, 88, 88},
	}
	for _, in := range inputs {
		lse, w := MergeStatistics(stats(in...))

		var sum float64
		for i, v := range w {
			assert.GreaterOrEqual(t, v, float32(0))
			if in[i] == negInf {
				assert.Equal(t, float32(0), v)
			}
			sum += float64(v)
		}
		assert.InDelta(t, 1, sum, 1e-5, "weights of %v sum to one", in)

		// lse is never below the largest input and exceeds it by at most log(n).
		top := float32(math.Inf(-1))
		for _, v := range in {
			top = max(top, v)
		}
		assert.GreaterOrEqual(t, lse, top-1e-4)
		assert.LessOrEqual(t, float64(lse), float64(top)+math.Log(float64(len(in)))+1e-4)

		// Shifting every input shifts lse and keeps the weights.
		shifted := make([]float32, len(in))
		for i, v := range in {
			shifted[i] = v + 10
		}
		lse2, w2 := MergeStatistics(stats(shifted...))
		assert.InDelta(t, lse+10, lse2, 1e-3)
		assert.InDeltaSlice(t, w, w2, 1e-5)
	}
}
