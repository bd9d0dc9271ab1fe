package combine

// rowCoord locates one query row in the caller's buffers. batch is -1 for rows
// past the end of the unit's sequence.
type rowCoord struct {
	m, head, batch int
}

func (c rowCoord) valid() bool { return c.batch >= 0 }

var invalidRow = rowCoord{batch: -1}

// unitLayout resolves tile rows of one compute unit to buffer coordinates.
type unitLayout struct {
	mBlock, batch int
	// offset is the unit's start in the flattened sequence dimension.
	offset int
	seqlen int
	maxIdx int

	varlen     bool
	batchCoord int
	seqDivmod  FastDivmod
	headDivmod FastDivmod
}

func (p *Params[E]) unitLayout(cfg Config, mBlock, batch int) unitLayout {
	u := unitLayout{
		mBlock:     mBlock,
		batch:      batch,
		seqlen:     p.Shape.Seqlen,
		varlen:     cfg.Varlen,
		seqDivmod:  p.seqDivmod,
		headDivmod: p.headDivmod,
	}
	if !cfg.Varlen {
		u.maxIdx = p.Shape.Seqlen * p.Shape.Heads * p.Shape.Batch
		return u
	}
	u.offset, u.seqlen = p.sequence(batch)
	u.maxIdx = u.seqlen * p.Shape.Heads
	u.seqDivmod = NewFastDivmod(u.seqlen)
	// A flattened sequence lives in batch slot 0; otherwise each unit owns its slot.
	if p.CuSeqlens == nil {
		u.batchCoord = batch
	}
	return u
}

// resolve maps tile row mi to (position, head, batch).
func (u *unitLayout) resolve(blockM, mi int) rowCoord {
	idx := u.mBlock*blockM + mi
	if idx >= u.maxIdx {
		return invalidRow
	}
	if !u.varlen {
		rest, m := u.seqDivmod.DivMod(idx)
		b, h := u.headDivmod.DivMod(rest)
		return rowCoord{m: m, head: h, batch: b}
	}
	h, m := u.seqDivmod.DivMod(idx)
	return rowCoord{m: m, head: h, batch: u.batchCoord}
}
