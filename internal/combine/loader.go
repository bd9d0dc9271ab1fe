package combine

import "math"

var negInf = float32(math.Inf(-1))

// loadStatistics stages every split's statistic for the lane's share of the
// (MaxSplits, BlockM) tile. Slots of splits past the actual count get -inf so
// the merge can always scan MaxSplits slots. Rows past the sequence end are
// left untouched: nothing derived from them is ever written back.
func (u *unit[E]) loadStatistics(ls *laneState) {
	cfg, g, p := u.k.cfg, u.k.geom, u.p
	w := g.ElemsPerLoadLSE
	for m := (ls.lane % g.ThreadsPerRowLSE) * w; m < cfg.BlockM; m += g.BlockMSmem {
		c := u.layout.resolve(cfg.BlockM, m)
		if !c.valid() {
			continue
		}
		for s := ls.lane / g.ThreadsPerRowLSE; s < g.MaxSplits; s += g.SplitRowsPerPass {
			dst := u.smem.statTarget(s, m, w)
			if s < p.Shape.Splits {
				i := p.lsePartialIndex(u.layout.offset, c.m, s, c.head, c.batch)
				ls.pipe.issue(dst, p.LSEPartial[i:i+w])
			} else {
				for j := range dst {
					dst[j] = negInf
				}
			}
		}
	}
}
