package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"
	"github.com/x448/float16"

	"github.com/rsxdalv/flash-attention/internal/combine"
	"github.com/rsxdalv/flash-attention/internal/logger"
	"github.com/rsxdalv/flash-attention/internal/problem"
)

// problemFlags describes a synthetic problem on the command line.
func problemFlags(spec *problem.RandomSpec, seed *uint64) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "splits", Usage: "number of KV splits", Value: 8, Destination: &spec.Splits},
		&cli.IntFlag{Name: "seqlen", Usage: "query tokens per sequence (upper bound with --packed)", Value: 128, Destination: &spec.Seqlen},
		&cli.IntFlag{Name: "heads", Usage: "attention heads", Value: 16, Destination: &spec.Heads},
		&cli.IntFlag{Name: "batch", Usage: "sequences", Value: 4, Destination: &spec.Batch},
		&cli.IntFlag{Name: "dim", Usage: "head dimension", Value: 128, Destination: &spec.Dim},
		&cli.BoolFlag{Name: "packed", Usage: "pack sequences of random length behind cu_seqlens", Destination: &spec.Packed},
		&cli.BoolFlag{Name: "seqused", Usage: "draw a used length per sequence", Destination: &spec.SeqUsed},
		&cli.Float64Flag{Name: "empty-prob", Usage: "probability that a split saw no keys for a row", Destination: &spec.EmptyProb},
		&cli.Uint64Flag{Name: "seed", Usage: "random seed", Value: 1, Destination: seed},
	}
}

func benchCmd() *cli.Command {
	var (
		spec       problem.RandomSpec
		seed       uint64
		warmupRuns int
		benchRuns  int
		dtypeName  string
	)

	flags := problemFlags(&spec, &seed)
	flags = append(flags,
		&cli.IntFlag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       2,
			Destination: &warmupRuns,
		},
		&cli.IntFlag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       20,
			Destination: &benchRuns,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "output dtype (f32, f16, bf16)",
			Value:       "f32",
			Destination: &dtypeName,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Benchmark the combine kernel on a synthetic problem",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyDTypeConfig(cmd, fileConfig, &dtypeName)
			dtype, err := combine.ParseDType(dtypeName)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if benchRuns <= 0 {
				return cli.Exit("error: --runs must be positive", 1)
			}
			spec.Align = kernelCfg.AlignmentLSE
			p := problem.Random(spec, seed)

			var times []time.Duration
			switch dtype {
			case "F16":
				times, err = benchTyped[float16.Float16](ctx, p, warmupRuns, benchRuns)
			case "BF16":
				times, err = benchTyped[bfloat16.BFloat16](ctx, p, warmupRuns, benchRuns)
			default:
				times, err = benchTyped[float32](ctx, p, warmupRuns, benchRuns)
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: bench: %v", err), 1)
			}
			printBenchSummary(p, dtype, times)
			return nil
		},
	}
}

func benchTyped[E combine.Element](ctx context.Context, p *problem.Problem, warmup, runs int) ([]time.Duration, error) {
	log := logger.FromContext(ctx)

	cfg := kernelCfg
	cfg.Varlen = p.Varlen()
	k, err := combine.NewKernel[E](cfg)
	if err != nil {
		return nil, err
	}
	params, err := k.NewParams(problem.Bind[E](p))
	if err != nil {
		return nil, err
	}
	mBlocks, batches := k.Grid(params)
	log.Info("benchmark problem",
		"shape", fmt.Sprintf("%+v", p.Shape),
		"varlen", p.Varlen(),
		"units", mBlocks*batches,
		"input", humanize.Bytes(uint64(p.InputBytes())),
	)

	for range warmup {
		if err := k.Launch(ctx, params); err != nil {
			return nil, err
		}
	}

	bar := progressbar.NewOptions(runs,
		progressbar.OptionSetDescription("combine"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("runs"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish(),
	)
	times := make([]time.Duration, 0, runs)
	for range runs {
		start := time.Now()
		if err := k.Launch(ctx, params); err != nil {
			return nil, err
		}
		times = append(times, time.Since(start))
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	return times, nil
}

func printBenchSummary(p *problem.Problem, dtype string, times []time.Duration) {
	sorted := slices.Clone(times)
	slices.Sort(sorted)
	var total time.Duration
	for _, d := range times {
		total += d
	}
	mean := total / time.Duration(len(times))
	median := sorted[len(sorted)/2]

	outElems := uint64(p.Shape.Seqlen * p.Shape.Heads * p.Shape.Batch * p.Shape.Dim)
	outBytes := outElems * elemSize(dtype)
	moved := uint64(p.InputBytes()) + outBytes
	throughput := float64(moved) / median.Seconds()

	fmt.Printf("Combine benchmark (%s)\n", dtype)
	fmt.Printf("  shape:      %+v\n", p.Shape)
	fmt.Printf("  runs:       %s\n", humanize.Comma(int64(len(times))))
	fmt.Printf("  min:        %s\n", sorted[0])
	fmt.Printf("  median:     %s\n", median)
	fmt.Printf("  mean:       %s\n", mean)
	fmt.Printf("  max:        %s\n", sorted[len(sorted)-1])
	fmt.Printf("  moved:      %s per run\n", humanize.Bytes(moved))
	fmt.Printf("  throughput: %s/s\n", humanize.Bytes(uint64(throughput)))
}

func elemSize(dtype string) uint64 {
	if dtype == "F32" {
		return 4
	}
	return 2
}
