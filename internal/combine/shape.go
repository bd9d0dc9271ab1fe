package combine

import (
	"github.com/pkg/errors"
)

// maxRows bounds seqlen*heads*batch so every query index fits the 31-bit
// dividends of FastDivmod.
const maxRows = 1 << 31

// Shape describes one combine problem. In varlen mode with an offset table,
// Seqlen is the flattened (total) sequence length and Batch must be 1.
type Shape struct {
	Seqlen int `json:"seqlen"`
	Dim    int `json:"dim"`
	Splits int `json:"splits"`
	Heads  int `json:"heads"`
	Batch  int `json:"batch"`
}

// Partial outputs are addressed (seqlen, dim, split, head, batch); dim is unit-stride.
type OPartialStride struct{ Seq, Split, Head, Batch int64 }

// Partial statistics are addressed (seqlen, split, head, batch).
type LSEPartialStride struct{ Seq, Split, Head, Batch int64 }

// Final outputs are addressed (seqlen, dim, head, batch); dim is unit-stride.
type OStride struct{ Seq, Head, Batch int64 }

// Final statistics are addressed (seqlen, head, batch).
type LSEStride struct{ Seq, Head, Batch int64 }

// Layout groups the strides of the four buffers.
type Layout struct {
	OPartial   OPartialStride
	LSEPartial LSEPartialStride
	O          OStride
	LSE        LSEStride
}

// FlashLayout returns the dense strides of the flash-attn tensors:
// out_partial (splits, batch, seqlen, heads, dim), lse_partial (splits, batch, heads, seqlen),
// out (batch, seqlen, heads, dim) and lse (batch, heads, seqlen).
func FlashLayout(s Shape) Layout {
	d, h, sl, b := int64(s.Dim), int64(s.Heads), int64(s.Seqlen), int64(s.Batch)
	return Layout{
		OPartial:   OPartialStride{Seq: h * d, Split: b * sl * h * d, Head: d, Batch: sl * h * d},
		LSEPartial: LSEPartialStride{Seq: 1, Split: b * h * sl, Head: sl, Batch: h * sl},
		O:          OStride{Seq: h * d, Head: d, Batch: sl * h * d},
		LSE:        LSEStride{Seq: 1, Head: sl, Batch: h * sl},
	}
}

// Arguments are the caller-side buffers of one invocation.
type Arguments[E Element] struct {
	Shape  Shape
	Layout Layout

	OPartial   []float32
	LSEPartial []float32
	O          []E
	LSE        []float32

	// CuSeqlens holds per-batch start offsets into the flattened sequence
	// (len = batches+1). SeqUsed overrides each batch's effective length.
	CuSeqlens []int32
	SeqUsed   []int32
}

// Params are validated Arguments plus the per-invocation precomputation.
type Params[E Element] struct {
	Arguments[E]

	varlen     bool
	batches    int
	maxSeqlen  int
	seqDivmod  FastDivmod
	headDivmod FastDivmod
}

// Batches is the number of batch instances of the grid's second dimension.
func (p *Params[E]) Batches() int { return p.batches }

// NewParams validates args against the kernel configuration and precomputes the
// divisors used by the index resolver. Nothing is checked after this point.
func (k *Kernel[E]) NewParams(args Arguments[E]) (*Params[E], error) {
	s := args.Shape
	cfg, g := k.cfg, k.geom
	switch {
	case s.Seqlen < 0 || s.Dim <= 0 || s.Splits <= 0 || s.Heads <= 0 || s.Batch <= 0:
		return nil, errors.Wrapf(ErrInvalidShape, "shape %+v", s)
	case s.Seqlen >= maxRows || s.Heads >= maxRows || s.Batch >= maxRows:
		return nil, errors.Wrapf(ErrInvalidShape, "shape %+v exceeds 2^31 query rows", s)
	case s.Splits > g.MaxSplits:
		return nil, errors.Wrapf(ErrTooManySplits, "splits=%d max=%d", s.Splits, g.MaxSplits)
	case s.Dim > cfg.HeadDim:
		return nil, errors.Wrapf(ErrInvalidShape, "dim=%d exceeds head_dim=%d", s.Dim, cfg.HeadDim)
	case s.Dim%ElemsPerLoad != 0:
		return nil, errors.Wrapf(ErrInvalidShape, "dim=%d must be a multiple of %d", s.Dim, ElemsPerLoad)
	case !cfg.Varlen && (args.CuSeqlens != nil || args.SeqUsed != nil):
		return nil, errors.Wrap(ErrInvalidShape, "sequence tables require varlen mode")
	case g.ElemsPerLoadLSE > 1 && args.Layout.LSEPartial.Seq != 1:
		return nil, errors.Wrapf(ErrMisaligned, "lse_partial seq stride %d with %d-wide loads", args.Layout.LSEPartial.Seq, g.ElemsPerLoadLSE)
	}

	p := &Params[E]{
		Arguments:  args,
		varlen:     cfg.Varlen,
		batches:    s.Batch,
		maxSeqlen:  s.Seqlen,
		seqDivmod:  NewFastDivmod(s.Seqlen),
		headDivmod: NewFastDivmod(s.Heads),
	}
	if cfg.Varlen {
		if err := p.validateVarlen(g.ElemsPerLoadLSE); err != nil {
			return nil, err
		}
	} else if s.Seqlen%g.ElemsPerLoadLSE != 0 {
		return nil, errors.Wrapf(ErrMisaligned, "seqlen=%d not a multiple of %d", s.Seqlen, g.ElemsPerLoadLSE)
	}
	// Each factor is below 2^31, so neither product overflows.
	if rows := uint64(s.Seqlen) * uint64(s.Heads); rows >= maxRows || rows*uint64(s.Batch) >= maxRows {
		return nil, errors.Wrapf(ErrInvalidShape, "shape %+v exceeds 2^31 query rows", s)
	}
	if err := p.validateExtents(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Params[E]) validateVarlen(align int) error {
	s := p.Shape
	cu, used := p.CuSeqlens, p.SeqUsed
	switch {
	case cu != nil:
		if len(cu) < 2 {
			return errors.Wrapf(ErrInvalidShape, "cu_seqlens needs at least 2 entries, got %d", len(cu))
		}
		if s.Batch != 1 {
			return errors.Wrapf(ErrInvalidShape, "batch=%d must be 1 with cu_seqlens", s.Batch)
		}
		p.batches = len(cu) - 1
		if used != nil && len(used) < p.batches {
			return errors.Wrapf(ErrInvalidShape, "seqused has %d entries for %d batches", len(used), p.batches)
		}
	case used != nil:
		if len(used) != s.Batch {
			return errors.Wrapf(ErrInvalidShape, "seqused has %d entries for batch=%d", len(used), s.Batch)
		}
	}

	p.maxSeqlen = 0
	for b := range p.batches {
		offset, seqlen := p.sequence(b)
		switch {
		case cu != nil && cu[b+1] < cu[b]:
			return errors.Wrapf(ErrInvalidShape, "cu_seqlens decreases at batch %d", b)
		case cu != nil && used != nil && seqlen > int(cu[b+1])-int(cu[b]):
			return errors.Wrapf(ErrInvalidShape, "batch %d seqused=%d exceeds its cu_seqlens span %d", b, seqlen, int(cu[b+1])-int(cu[b]))
		case seqlen < 0 || offset < 0 || offset+seqlen > s.Seqlen:
			return errors.Wrapf(ErrInvalidShape, "batch %d spans [%d, %d) outside seqlen=%d", b, offset, offset+seqlen, s.Seqlen)
		case offset%align != 0 || seqlen%align != 0:
			return errors.Wrapf(ErrMisaligned, "batch %d offset=%d len=%d not a multiple of %d", b, offset, seqlen, align)
		}
		p.maxSeqlen = max(p.maxSeqlen, seqlen)
	}
	return nil
}

// sequence returns the flattened start offset and effective length of batch b.
func (p *Params[E]) sequence(b int) (offset, seqlen int) {
	seqlen = p.Shape.Seqlen
	if p.CuSeqlens != nil {
		offset = int(p.CuSeqlens[b])
		seqlen = int(p.CuSeqlens[b+1]) - offset
	}
	if p.SeqUsed != nil {
		seqlen = int(p.SeqUsed[b])
	}
	return offset, seqlen
}

func (p *Params[E]) validateExtents() error {
	s, l := p.Shape, p.Layout
	checks := []struct {
		name string
		have int
		dims []int
		strd []int64
	}{
		{"out_partial", len(p.OPartial), []int{s.Seqlen, s.Dim, s.Splits, s.Heads, s.Batch},
			[]int64{l.OPartial.Seq, 1, l.OPartial.Split, l.OPartial.Head, l.OPartial.Batch}},
		{"lse_partial", len(p.LSEPartial), []int{s.Seqlen, s.Splits, s.Heads, s.Batch},
			[]int64{l.LSEPartial.Seq, l.LSEPartial.Split, l.LSEPartial.Head, l.LSEPartial.Batch}},
		{"out", len(p.O), []int{s.Seqlen, s.Dim, s.Heads, s.Batch},
			[]int64{l.O.Seq, 1, l.O.Head, l.O.Batch}},
		{"lse", len(p.LSE), []int{s.Seqlen, s.Heads, s.Batch},
			[]int64{l.LSE.Seq, l.LSE.Head, l.LSE.Batch}},
	}
	for _, c := range checks {
		need := extent(c.dims, c.strd)
		if need < 0 {
			return errors.Wrapf(ErrInvalidShape, "%s has a negative stride", c.name)
		}
		if int64(c.have) < need {
			return errors.Wrapf(ErrBufferTooSmall, "%s has %d elements, needs %d", c.name, c.have, need)
		}
	}
	return nil
}

// extent is the number of elements spanned by a strided view, -1 on negative strides.
func extent(dims []int, strides []int64) int64 {
	var last int64
	for i, n := range dims {
		if n == 0 {
			return 0
		}
		if strides[i] < 0 {
			return -1
		}
		last += int64(n-1) * strides[i]
	}
	return last + 1
}

func (p *Params[E]) lsePartialIndex(offset, m, split, head, batch int) int {
	st := p.Layout.LSEPartial
	return int(int64(offset+m)*st.Seq + int64(split)*st.Split + int64(head)*st.Head + int64(batch)*st.Batch)
}

func (p *Params[E]) oPartialIndex(offset, m, split, head, batch int) int {
	st := p.Layout.OPartial
	return int(int64(offset+m)*st.Seq + int64(split)*st.Split + int64(head)*st.Head + int64(batch)*st.Batch)
}

func (p *Params[E]) lseIndex(offset, m, head, batch int) int {
	st := p.Layout.LSE
	return int(int64(offset+m)*st.Seq + int64(head)*st.Head + int64(batch)*st.Batch)
}

func (p *Params[E]) oIndex(offset, m, head, batch int) int {
	st := p.Layout.O
	return int(int64(offset+m)*st.Seq + int64(head)*st.Head + int64(batch)*st.Batch)
}
