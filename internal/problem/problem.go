// Package problem binds combine inputs and outputs to safetensors files laid
// out the way flash-attention stores them.
package problem

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/rsxdalv/flash-attention/internal/combine"
	"github.com/rsxdalv/flash-attention/internal/safetensors"
)

// Tensor names.
const (
	OPartialName   = "out_partial"
	LSEPartialName = "lse_partial"
	CuSeqlensName  = "cu_seqlens"
	SeqUsedName    = "seqused"
	OutName        = "out"
	LSEName        = "lse"
)

// Problem is one set of combine inputs.
//
// In packed form (Packed) every sequence is concatenated along one token axis:
// out_partial is (splits, total_q, heads, dim) and lse_partial is
// (splits, heads, total_q), and Shape.Batch is 1. Otherwise out_partial is
// (splits, batch, seqlen, heads, dim) and lse_partial (splits, batch, heads, seqlen).
type Problem struct {
	Shape  combine.Shape
	Packed bool

	OPartial   []float32
	LSEPartial []float32
	CuSeqlens  []int32
	SeqUsed    []int32
}

// Varlen reports whether the problem carries per-sequence tables and so needs
// a varlen kernel.
func (p *Problem) Varlen() bool { return p.CuSeqlens != nil || p.SeqUsed != nil }

// InputBytes is the size of the partial tensors.
func (p *Problem) InputBytes() int64 {
	return 4 * int64(len(p.OPartial)+len(p.LSEPartial))
}

// OutputShapes returns the shapes of the out and lse tensors.
func (p *Problem) OutputShapes() (out, lse []int) {
	s := p.Shape
	if p.Packed {
		return []int{s.Seqlen, s.Heads, s.Dim}, []int{s.Heads, s.Seqlen}
	}
	return []int{s.Batch, s.Seqlen, s.Heads, s.Dim}, []int{s.Batch, s.Heads, s.Seqlen}
}

func (p *Problem) inputShapes() (oPartial, lsePartial []int) {
	s := p.Shape
	if p.Packed {
		return []int{s.Splits, s.Seqlen, s.Heads, s.Dim}, []int{s.Splits, s.Heads, s.Seqlen}
	}
	return []int{s.Splits, s.Batch, s.Seqlen, s.Heads, s.Dim}, []int{s.Splits, s.Batch, s.Heads, s.Seqlen}
}

// Load reads a problem from a safetensors file.
func Load(path string) (*Problem, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	p, err := FromFile(f)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return p, nil
}

// FromFile derives the shape from the tensor shapes and decodes the inputs.
func FromFile(f *safetensors.File) (*Problem, error) {
	oInfo, ok := f.Tensor(OPartialName)
	if !ok {
		return nil, errors.Wrap(safetensors.ErrTensorNotFound, OPartialName)
	}
	lInfo, ok := f.Tensor(LSEPartialName)
	if !ok {
		return nil, errors.Wrap(safetensors.ErrTensorNotFound, LSEPartialName)
	}

	p := &Problem{}
	oShape, lShape := oInfo.Shape, lInfo.Shape
	switch {
	case len(oShape) == 5 && len(lShape) == 4:
		p.Shape = combine.Shape{Splits: oShape[0], Batch: oShape[1], Seqlen: oShape[2], Heads: oShape[3], Dim: oShape[4]}
	case len(oShape) == 4 && len(lShape) == 3:
		p.Packed = true
		p.Shape = combine.Shape{Splits: oShape[0], Batch: 1, Seqlen: oShape[1], Heads: oShape[2], Dim: oShape[3]}
	default:
		return nil, errors.Wrapf(combine.ErrInvalidShape, "%s%v and %s%v have incompatible ranks", OPartialName, oShape, LSEPartialName, lShape)
	}
	if _, want := p.inputShapes(); !slices.Equal(lShape, want) {
		return nil, errors.Wrapf(combine.ErrInvalidShape, "%s%v does not match %s%v", LSEPartialName, lShape, OPartialName, oShape)
	}

	var err error
	if p.OPartial, _, err = f.ReadF32(OPartialName); err != nil {
		return nil, err
	}
	if p.LSEPartial, _, err = f.ReadF32(LSEPartialName); err != nil {
		return nil, err
	}
	if _, ok := f.Tensor(CuSeqlensName); ok {
		if p.CuSeqlens, _, err = f.ReadI32(CuSeqlensName); err != nil {
			return nil, err
		}
	}
	if _, ok := f.Tensor(SeqUsedName); ok {
		if p.SeqUsed, _, err = f.ReadI32(SeqUsedName); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// WriteFile stores the problem inputs.
func (p *Problem) WriteFile(path string) error {
	w := safetensors.NewWriter()
	oShape, lShape := p.inputShapes()
	if err := w.AddF32(OPartialName, oShape, p.OPartial); err != nil {
		return err
	}
	if err := w.AddF32(LSEPartialName, lShape, p.LSEPartial); err != nil {
		return err
	}
	if p.CuSeqlens != nil {
		if err := w.AddI32(CuSeqlensName, []int{len(p.CuSeqlens)}, p.CuSeqlens); err != nil {
			return err
		}
	}
	if p.SeqUsed != nil {
		if err := w.AddI32(SeqUsedName, []int{len(p.SeqUsed)}, p.SeqUsed); err != nil {
			return err
		}
	}
	return w.WriteFile(path)
}

// Bind allocates the outputs and returns kernel arguments over the problem's
// buffers.
func Bind[E combine.Element](p *Problem) combine.Arguments[E] {
	s := p.Shape
	rows := s.Seqlen * s.Heads * s.Batch
	return combine.Arguments[E]{
		Shape:      s,
		Layout:     combine.FlashLayout(s),
		OPartial:   p.OPartial,
		LSEPartial: p.LSEPartial,
		O:          make([]E, rows*s.Dim),
		LSE:        make([]float32, rows),
		CuSeqlens:  p.CuSeqlens,
		SeqUsed:    p.SeqUsed,
	}
}

// Save writes the out and lse tensors of args, which must come from Bind(p).
func Save[E combine.Element](path string, p *Problem, args combine.Arguments[E], metadata map[string]string) error {
	w := safetensors.NewWriter()
	w.Metadata = metadata
	outShape, lseShape := p.OutputShapes()

	var err error
	switch o := any(args.O).(type) {
	case []float32:
		err = w.AddF32(OutName, outShape, o)
	case []float16.Float16:
		err = w.AddF16(OutName, outShape, o)
	case []bfloat16.BFloat16:
		err = w.AddBF16(OutName, outShape, o)
	default:
		err = errors.Errorf("unsupported output element %T", args.O)
	}
	if err != nil {
		return err
	}
	if err := w.AddF32(LSEName, lseShape, args.LSE); err != nil {
		return err
	}
	return w.WriteFile(path)
}
