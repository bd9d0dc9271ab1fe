package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/rsxdalv/flash-attention/internal/combine"
	"github.com/rsxdalv/flash-attention/internal/logger"
	"github.com/rsxdalv/flash-attention/internal/problem"
	"github.com/rsxdalv/flash-attention/internal/version"
)

func runCmd() *cli.Command {
	var (
		input     string
		output    string
		dtypeName string
		verify    bool
		tolerance float64
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Combine the partials of a safetensors file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "safetensors file with out_partial, lse_partial and optional cu_seqlens/seqused",
				Destination: &input,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "safetensors file to write out and lse to",
				Destination: &output,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "output dtype (f32, f16, bf16)",
				Value:       "f32",
				Destination: &dtypeName,
			},
			&cli.BoolFlag{
				Name:        "verify",
				Usage:       "check the result against the sequential reference",
				Destination: &verify,
			},
			&cli.Float64Flag{
				Name:        "tolerance",
				Usage:       "relative tolerance for --verify (0 = per-dtype default)",
				Destination: &tolerance,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyDTypeConfig(cmd, fileConfig, &dtypeName)

			dtype, err := combine.ParseDType(dtypeName)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if output == "" && !verify {
				return cli.Exit("error: nothing to do, pass --output and/or --verify", 1)
			}
			if tolerance <= 0 {
				tolerance = defaultTolerance(dtype)
			}

			loadStart := time.Now()
			p, err := problem.Load(input)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load problem: %v", err), 1)
			}
			log.Info("problem loaded",
				"path", input,
				"shape", fmt.Sprintf("%+v", p.Shape),
				"varlen", p.Varlen(),
				"elapsed", time.Since(loadStart),
			)

			runID := uuid.NewString()
			rep, err := combineProblem(ctx, dtype, kernelCfg, p, runOptions{
				output:    output,
				verify:    verify,
				tolerance: tolerance,
				metadata: map[string]string{
					"run_id":  runID,
					"dtype":   dtype,
					"version": version.String(),
				},
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: combine: %v", err), 1)
			}
			log.Info("combine complete", "run_id", runID, "dtype", dtype, "elapsed", rep.elapsed)
			if output != "" {
				log.Info("outputs written", "path", output)
			}
			if rep.verified {
				if rep.mismatches > 0 {
					return cli.Exit(fmt.Sprintf("error: verify: %d values differ from the reference (max abs error %g, tolerance %g)",
						rep.mismatches, rep.maxErr, tolerance), 1)
				}
				log.Info("verified against reference", "max_abs_error", rep.maxErr, "tolerance", tolerance)
			}
			return nil
		},
	}
}
