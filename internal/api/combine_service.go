package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"time"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
	"golang.org/x/sync/semaphore"

	"github.com/rsxdalv/flash-attention/internal/combine"
	"github.com/rsxdalv/flash-attention/internal/logger"
	"github.com/rsxdalv/flash-attention/internal/problem"
)

type runnerKey struct {
	dtype  string
	varlen bool
}

type runner func(ctx context.Context, p *problem.Problem) (out, lse []float32, err error)

// CombineService runs combine requests on a fixed set of kernels, one per
// output dtype and addressing mode.
type CombineService struct {
	cfg     combine.Config
	runners map[runnerKey]runner
	sem     *semaphore.Weighted
	clock   func() time.Time
}

// NewCombineService builds the kernels for cfg. At most maxConcurrent
// requests combine at once (0: one).
func NewCombineService(cfg combine.Config, maxConcurrent int) (*CombineService, error) {
	s := &CombineService{
		cfg:     cfg,
		runners: make(map[runnerKey]runner, 6),
		sem:     semaphore.NewWeighted(int64(max(maxConcurrent, 1))),
		clock:   time.Now,
	}
	for _, varlen := range []bool{false, true} {
		kcfg := cfg
		kcfg.Varlen = varlen
		builders := map[string]func(combine.Config) (runner, error){
			"F32":  newRunner[float32],
			"F16":  newRunner[float16.Float16],
			"BF16": newRunner[bfloat16.BFloat16],
		}
		for dtype, build := range builders {
			r, err := build(kcfg)
			if err != nil {
				return nil, err
			}
			s.runners[runnerKey{dtype: dtype, varlen: varlen}] = r
		}
	}
	return s, nil
}

func (s *CombineService) Config() combine.Config { return s.cfg }

func newRunner[E combine.Element](cfg combine.Config) (runner, error) {
	k, err := combine.NewKernel[E](cfg)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, p *problem.Problem) ([]float32, []float32, error) {
		args := problem.Bind[E](p)
		if err := k.Combine(ctx, args); err != nil {
			return nil, nil, err
		}
		out := make([]float32, len(args.O))
		for i, v := range args.O {
			out[i] = combine.ToFloat32(v)
		}
		return out, args.LSE, nil
	}, nil
}

// Combine validates req and merges its partials.
func (s *CombineService) Combine(ctx context.Context, req *CombineRequest) (*CombineResponse, error) {
	dtype, err := combine.ParseDType(req.DType)
	if err != nil {
		return nil, newInvalidRequest("dtype", err.Error())
	}
	p, err := problemFromRequest(req)
	if err != nil {
		return nil, err
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	start := s.clock()
	run := s.runners[runnerKey{dtype: dtype, varlen: p.Varlen()}]
	out, lse, err := run(ctx, p)
	if err != nil {
		if isShapeError(err) {
			return nil, newInvalidRequest("", err.Error())
		}
		return nil, err
	}
	logger.FromContext(ctx).Debug("combine request complete",
		"dtype", dtype,
		"splits", p.Shape.Splits,
		"seqlen", p.Shape.Seqlen,
		"heads", p.Shape.Heads,
		"varlen", p.Varlen(),
		"elapsed", s.clock().Sub(start),
	)
	return &CombineResponse{
		ID:        newCombineID(),
		Object:    "combine.result",
		CreatedAt: start.Unix(),
		DType:     dtype,
		Shape:     p.Shape,
		LSE:       lse,
		Out:       out,
	}, nil
}

func isShapeError(err error) bool {
	for _, target := range []error{
		combine.ErrInvalidShape,
		combine.ErrTooManySplits,
		combine.ErrMisaligned,
		combine.ErrBufferTooSmall,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func problemFromRequest(req *CombineRequest) (*problem.Problem, error) {
	p := &problem.Problem{
		Shape: combine.Shape{
			Splits: req.Splits,
			Seqlen: req.Seqlen,
			Heads:  req.Heads,
			Batch:  req.Batch,
			Dim:    req.Dim,
		},
		OPartial:   req.OPartial,
		LSEPartial: req.LSEPartial,
		CuSeqlens:  req.CuSeqlens,
		SeqUsed:    req.SeqUsed,
	}
	if req.CuSeqlens != nil {
		if req.Batch > 1 {
			return nil, newInvalidRequest("batch", "batch must be 1 (or omitted) with cu_seqlens")
		}
		p.Packed = true
		p.Shape.Batch = 1
	}
	s := p.Shape
	if s.Splits <= 0 || s.Seqlen < 0 || s.Heads <= 0 || s.Batch <= 0 || s.Dim <= 0 {
		return nil, newInvalidRequest("", fmt.Sprintf("splits, heads, batch and dim must be positive and seqlen non-negative: %+v", s))
	}
	wantLSE, ok := mulCounts(s.Splits, s.Batch, s.Seqlen, s.Heads)
	wantO, okO := mulCounts(wantLSE, s.Dim)
	if !ok || !okO {
		return nil, newInvalidRequest("", fmt.Sprintf("shape %+v is too large", s))
	}
	if len(p.OPartial) != wantO {
		return nil, newInvalidRequest("out_partial", fmt.Sprintf("out_partial has %d values, want %d", len(p.OPartial), wantO))
	}
	if len(p.LSEPartial) != wantLSE {
		return nil, newInvalidRequest("lse_partial", fmt.Sprintf("lse_partial has %d values, want %d", len(p.LSEPartial), wantLSE))
	}
	return p, nil
}

// mulCounts multiplies non-negative counts, reporting false when the product
// does not fit in an int.
func mulCounts(vals ...int) (int, bool) {
	n := uint64(1)
	for _, v := range vals {
		hi, lo := bits.Mul64(n, uint64(v))
		if hi != 0 || lo > math.MaxInt {
			return 0, false
		}
		n = lo
	}
	return int(n), true
}
