package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/rsxdalv/flash-attention/internal/combine"
	"github.com/rsxdalv/flash-attention/internal/problem"
	"github.com/rsxdalv/flash-attention/internal/safetensors"
)

func inspectCmd() *cli.Command {
	var input string

	return &cli.Command{
		Name:  "inspect",
		Usage: "Print the kernel configuration, derived geometry and optionally a problem file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "safetensors problem file to describe",
				Destination: &input,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_ = ctx

			if err := kernelCfg.Validate(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			printKernel(kernelCfg)
			if input == "" {
				return nil
			}
			if err := printProblemFile(input, kernelCfg); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return nil
		},
	}
}

func printKernel(cfg combine.Config) {
	g := cfg.Geometry()
	fmt.Println("Kernel")
	fmt.Printf("  block_m:            %d\n", cfg.BlockM)
	fmt.Printf("  head_dim:           %d\n", cfg.HeadDim)
	fmt.Printf("  max_splits:         %d (log %d)\n", g.MaxSplits, cfg.LogMaxSplits)
	fmt.Printf("  lanes:              %d\n", cfg.Lanes)
	fmt.Printf("  alignment_lse:      %d\n", cfg.AlignmentLSE)
	fmt.Printf("  stages:             %d\n", combine.Stages)
	fmt.Println("Output partition")
	fmt.Printf("  block_k_gmem:       %d\n", g.BlockKGmem)
	fmt.Printf("  lanes per row:      %d\n", g.ThreadsPerRow)
	fmt.Printf("  rows per pass:      %d\n", g.RowsPerPass)
	fmt.Println("Statistic partition")
	fmt.Printf("  vector width:       %d\n", g.ElemsPerLoadLSE)
	fmt.Printf("  block_m_smem:       %d\n", g.BlockMSmem)
	fmt.Printf("  lanes per row:      %d\n", g.ThreadsPerRowLSE)
	fmt.Printf("  split rows / pass:  %d\n", g.SplitRowsPerPass)
	fmt.Printf("  lanes per query:    %d\n", g.ThreadsPerColLSE)
	fmt.Printf("Scratch per unit:     %s (limit %s)\n",
		humanize.IBytes(uint64(g.ScratchBytes)), humanize.IBytes(combine.MaxScratchBytes))
}

func printProblemFile(path string, cfg combine.Config) error {
	stat, err := os.Stat(path)
	if err != nil {
		return err
	}
	f, err := safetensors.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	fmt.Printf("File: %s (%s)\n", filepath.Base(path), humanize.Bytes(uint64(stat.Size())))
	for _, name := range f.Names() {
		t := f.Tensors[name]
		dims := make([]string, len(t.Shape))
		for i, d := range t.Shape {
			dims[i] = fmt.Sprint(d)
		}
		fmt.Printf("  %-12s %-4s [%s] %s\n", name, t.DType, strings.Join(dims, ", "), humanize.Bytes(uint64(t.End-t.Start)))
	}
	if len(f.Metadata) > 0 {
		fmt.Println("Metadata")
		for k, v := range f.Metadata {
			fmt.Printf("  %s: %s\n", k, v)
		}
	}

	if _, ok := f.Tensor(problem.OPartialName); !ok {
		return nil
	}
	p, err := problem.FromFile(f)
	if err != nil {
		return err
	}
	kcfg := cfg
	kcfg.Varlen = p.Varlen()
	k, err := combine.NewKernel[float32](kcfg)
	if err != nil {
		return err
	}
	params, err := k.NewParams(problem.Bind[float32](p))
	if err != nil {
		fmt.Printf("Problem %+v does not fit this kernel: %v\n", p.Shape, err)
		return nil
	}
	mBlocks, batches := k.Grid(params)
	fmt.Printf("Problem: %+v varlen=%t packed=%t\n", p.Shape, p.Varlen(), p.Packed)
	fmt.Printf("  grid:               %d x %d (%s units)\n", mBlocks, batches, humanize.Comma(int64(mBlocks*batches)))
	return nil
}
