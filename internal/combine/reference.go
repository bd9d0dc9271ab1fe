package combine

import "math"

// Statistic is a partial log-sum-exp that may be absent (an empty split).
type Statistic struct {
	Value float32
	Valid bool
}

// MergeStatistics merges the statistics of one query position with a plain
// sequential fold. It returns the combined log-sum-exp and one weight per
// input; with no valid input the result is -inf and every weight is zero.
func MergeStatistics(stats []Statistic) (lse float32, weights []float32) {
	weights = make([]float32, len(stats))
	lseMax := negInf
	for _, s := range stats {
		if s.Valid {
			lseMax = maxOp(lseMax, s.Value)
		}
	}
	maxCur := lseMax
	if lseMax == negInf {
		maxCur = 0
	}
	var sum float32
	for i, s := range stats {
		if s.Valid {
			weights[i] = exp32(s.Value - maxCur)
			sum += weights[i]
		}
	}
	lse = log32(sum) + lseMax
	var invSum float32
	if sum != 0 && !math.IsNaN(float64(sum)) {
		invSum = 1 / sum
	}
	for i := range weights {
		weights[i] *= invSum
	}
	return lse, weights
}

// Reference computes the same result as Launch on a single goroutine, without
// tiling, scratch or prefetch. A -inf statistic counts as an absent split.
func Reference[E Element](p *Params[E]) {
	s, varlen := p.Shape, p.varlen
	conv := converter[E]()
	stats := make([]Statistic, s.Splits)
	acc := make([]float32, s.Dim)

	batches := s.Batch
	if varlen {
		batches = p.batches
	}
	for b := range batches {
		offset, seqlen, coord := 0, s.Seqlen, b
		if varlen {
			offset, seqlen = p.sequence(b)
			if p.CuSeqlens != nil {
				coord = 0
			}
		}
		for h := range s.Heads {
			for m := range seqlen {
				for i := range stats {
					v := p.LSEPartial[p.lsePartialIndex(offset, m, i, h, coord)]
					stats[i] = Statistic{Value: v, Valid: v != negInf}
				}
				lse, weights := MergeStatistics(stats)
				p.LSE[p.lseIndex(offset, m, h, coord)] = lse

				clear(acc)
				for i, w := range weights {
					if !(w > 0) {
						continue
					}
					base := p.oPartialIndex(offset, m, i, h, coord)
					for d := range acc {
						acc[d] += w * p.OPartial[base+d]
					}
				}
				out := p.O[p.oIndex(offset, m, h, coord):]
				for d, v := range acc {
					out[d] = conv(v)
				}
			}
		}
	}
}
