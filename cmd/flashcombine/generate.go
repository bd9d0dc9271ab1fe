package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/rsxdalv/flash-attention/internal/logger"
	"github.com/rsxdalv/flash-attention/internal/problem"
)

func generateCmd() *cli.Command {
	var (
		spec    problem.RandomSpec
		seed    uint64
		output  string
		keys    int
		kvHeads int
	)

	flags := problemFlags(&spec, &seed)
	flags = append(flags, &cli.StringFlag{
		Name:        "output",
		Aliases:     []string{"o"},
		Usage:       "safetensors file to write",
		Destination: &output,
		Required:    true,
	}, &cli.IntFlag{
		Name:        "attention-keys",
		Usage:       "derive the partials from a dense attention over this many keys (fixed layout only)",
		Destination: &keys,
	}, &cli.IntFlag{
		Name:        "kv-heads",
		Usage:       "key/value heads for --attention-keys (defaults to --heads)",
		Destination: &kvHeads,
	})

	return &cli.Command{
		Name:  "generate",
		Usage: "Write a synthetic problem to a safetensors file",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			spec.Align = kernelCfg.AlignmentLSE
			var p *problem.Problem
			if keys > 0 {
				if spec.Packed || spec.SeqUsed {
					return cli.Exit("error: --attention-keys does not support --packed or --seqused", 1)
				}
				p = problem.RandomAttention(problem.AttentionSpec{
					Splits:  spec.Splits,
					Batch:   spec.Batch,
					Queries: spec.Seqlen,
					Keys:    keys,
					Heads:   spec.Heads,
					KvHeads: kvHeads,
					Dim:     spec.Dim,
				}, seed).Partials()
			} else {
				p = problem.Random(spec, seed)
			}
			if err := p.WriteFile(output); err != nil {
				return cli.Exit(fmt.Sprintf("error: write problem: %v", err), 1)
			}
			logger.FromContext(ctx).Info("problem written",
				"path", output,
				"shape", fmt.Sprintf("%+v", p.Shape),
				"varlen", p.Varlen(),
				"size", humanize.Bytes(uint64(p.InputBytes())),
			)
			return nil
		},
	}
}
