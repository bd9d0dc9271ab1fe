package combine

import "math"

// mergeStatistics turns the staged statistics of the lane's rows into the final
// log-sum-exp and rewrites every slot with its renormalization weight
// exp(lse_s - max) / sum. The ThreadsPerColLSE lanes sharing a row each scan a
// strided subset of the splits and meet in two allreduces (max, then sum).
func (u *unit[E]) mergeStatistics(ls *laneState) {
	cfg, g := u.k.cfg, u.k.geom
	tpc := g.ThreadsPerColLSE
	first := ls.lane % tpc
	stats := u.smem.stats()

	for m := ls.lane / tpc; m < cfg.BlockM; m += g.BlockMSmem {
		lseMax := negInf
		for i := range ls.scales {
			lseMax = maxOp(lseMax, stats.at(first+i*tpc, m))
		}
		lseMax = u.group.allreduce(ls.lane, lseMax, ls.tmp, maxOp)
		// Every split of this row is empty.
		maxCur := lseMax
		if lseMax == negInf {
			maxCur = 0
		}

		var sum float32
		for i := range ls.scales {
			sc := exp32(stats.at(first+i*tpc, m) - maxCur)
			ls.scales[i] = sc
			sum += sc
		}
		sum = u.group.allreduce(ls.lane, sum, ls.tmp, sumOp)

		lse := log32(sum) + lseMax
		var invSum float32
		if sum != 0 && sum == sum {
			invSum = 1 / sum
		}
		for i, sc := range ls.scales {
			stats.storeWeight(first+i*tpc, m, sc*invSum)
		}

		if first == 0 {
			u.storeLSE(m, lse)
		}
	}
}

func exp32(x float32) float32 { return float32(math.Exp(float64(x))) }

func log32(x float32) float32 { return float32(math.Log(float64(x))) }
