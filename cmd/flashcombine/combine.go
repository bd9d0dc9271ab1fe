package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"

	"github.com/rsxdalv/flash-attention/internal/combine"
	"github.com/rsxdalv/flash-attention/internal/problem"
)

type runOptions struct {
	output    string
	verify    bool
	tolerance float64
	metadata  map[string]string
}

type runReport struct {
	elapsed    time.Duration
	verified   bool
	maxErr     float64
	mismatches int
}

// defaultTolerance is the relative error allowed against the reference for
// each output dtype.
func defaultTolerance(dtype string) float64 {
	switch dtype {
	case "F16":
		return 2e-3
	case "BF16":
		return 1.6e-2
	default:
		return 1e-5
	}
}

func combineProblem(ctx context.Context, dtype string, cfg combine.Config, p *problem.Problem, opts runOptions) (runReport, error) {
	switch dtype {
	case "F32":
		return combineTyped[float32](ctx, cfg, p, opts)
	case "F16":
		return combineTyped[float16.Float16](ctx, cfg, p, opts)
	case "BF16":
		return combineTyped[bfloat16.BFloat16](ctx, cfg, p, opts)
	default:
		return runReport{}, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

func combineTyped[E combine.Element](ctx context.Context, cfg combine.Config, p *problem.Problem, opts runOptions) (runReport, error) {
	cfg.Varlen = p.Varlen()
	k, err := combine.NewKernel[E](cfg)
	if err != nil {
		return runReport{}, err
	}
	args := problem.Bind[E](p)
	params, err := k.NewParams(args)
	if err != nil {
		return runReport{}, err
	}

	start := time.Now()
	if err := k.Launch(ctx, params); err != nil {
		return runReport{}, err
	}
	rep := runReport{elapsed: time.Since(start)}

	if opts.verify {
		ref := problem.Bind[E](p)
		refParams, err := k.NewParams(ref)
		if err != nil {
			return rep, err
		}
		combine.Reference(refParams)
		rep.verified = true
		rep.maxErr, rep.mismatches = compareOutputs(args, ref, opts.tolerance)
	}
	if opts.output != "" {
		if err := problem.Save(opts.output, p, args, opts.metadata); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

// compareOutputs returns the largest absolute error between got and want and
// the number of values outside tol relative error. Matching infinities count
// as equal; an infinity against a finite value, or any NaN, is a mismatch that
// does not contribute to maxErr.
func compareOutputs[E combine.Element](got, want combine.Arguments[E], tol float64) (maxErr float64, mismatches int) {
	check := func(a, b float64) {
		if a == b {
			return
		}
		d := math.Abs(a - b)
		if math.IsNaN(d) || math.IsInf(d, 0) || math.IsInf(a, 0) != math.IsInf(b, 0) {
			mismatches++
			return
		}
		if d > tol*(1+math.Abs(b)) {
			mismatches++
		}
		maxErr = max(maxErr, d)
	}
	for i := range want.LSE {
		check(float64(got.LSE[i]), float64(want.LSE[i]))
	}
	for i := range want.O {
		check(float64(combine.ToFloat32(got.O[i])), float64(combine.ToFloat32(want.O[i])))
	}
	return maxErr, mismatches
}
