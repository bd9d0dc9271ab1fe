package combine

// issueOPartial queues the lane's chunks of split's partial output tile into
// ring stage. With checkWeight set, rows whose weight for split is not positive
// are skipped: their tile would only ever be multiplied by zero.
func (u *unit[E]) issueOPartial(ls *laneState, split, stage int, checkWeight bool) {
	p := u.p
	for r, c := range ls.coords {
		if !c.valid() || (checkWeight && !(ls.scaleLoad[r] > 0)) {
			continue
		}
		base := p.oPartialIndex(u.layout.offset, c.m, split, c.head, c.batch)
		for j, k := range ls.cols {
			if !ls.colOK[j] {
				continue
			}
			ls.pipe.issue(u.smem.oChunk(stage, ls.rows[r], k), p.OPartial[base+k:base+k+ElemsPerLoad])
		}
	}
}

// accumulate walks the splits in order, keeping Stages-1 tiles in flight: the
// tile for split s+Stages-1 is issued before split s is drained from the ring.
// Each lane only reads ring slots it filled itself, so the loop has no barrier.
func (u *unit[E]) accumulate(ls *laneState) {
	numSplits := u.p.Shape.Splits
	weights := u.smem.weights()
	clear(ls.acc)

	stageLoad, stageCompute := Stages-1, 0
	for s := range numSplits {
		next := s + Stages - 1
		if next < numSplits {
			for r, m := range ls.rows {
				ls.scaleLoad[r] = weights.at(next, m)
			}
		}
		for r, m := range ls.rows {
			ls.scale[r] = weights.at(s, m)
		}

		if next < numSplits {
			u.issueOPartial(ls, next, stageLoad, true)
		}
		ls.pipe.fence()
		stageLoad = (stageLoad + 1) % Stages

		ls.pipe.wait(Stages - 1)
		for r, m := range ls.rows {
			for j, k := range ls.cols {
				copy(ls.chunk(ls.staged, r, j), u.smem.oChunk(stageCompute, m, k))
			}
		}
		stageCompute = (stageCompute + 1) % Stages

		for r, c := range ls.coords {
			sc := ls.scale[r]
			if !c.valid() || !(sc > 0) {
				continue
			}
			for j := range ls.cols {
				if !ls.colOK[j] {
					continue
				}
				acc, src := ls.chunk(ls.acc, r, j), ls.chunk(ls.staged, r, j)
				for i := range acc {
					acc[i] += sc * src[i]
				}
			}
		}
	}
}
