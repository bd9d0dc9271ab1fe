package combine

// storeLSE writes the final statistic of tile row m, if it is inside the sequence.
func (u *unit[E]) storeLSE(m int, lse float32) {
	c := u.layout.resolve(u.k.cfg.BlockM, m)
	if !c.valid() {
		return
	}
	u.p.LSE[u.p.lseIndex(u.layout.offset, c.m, c.head, c.batch)] = lse
}

// storeOutput narrows the lane's accumulators to E and writes its valid rows once.
func (u *unit[E]) storeOutput(ls *laneState) {
	p, conv := u.p, u.k.convert
	for r, c := range ls.coords {
		if !c.valid() {
			continue
		}
		base := p.oIndex(u.layout.offset, c.m, c.head, c.batch)
		for j, k := range ls.cols {
			if !ls.colOK[j] {
				continue
			}
			dst := p.O[base+k : base+k+ElemsPerLoad]
			for i, v := range ls.chunk(ls.acc, r, j) {
				dst[i] = conv(v)
			}
		}
	}
}
