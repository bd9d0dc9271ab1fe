package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/rsxdalv/flash-attention/internal/combine"
	"github.com/rsxdalv/flash-attention/internal/version"
)

type versionReport struct {
	version.Info
	MaxSplits int      `json:"max_splits"`
	Stages    int      `json:"stages"`
	DTypes    []string `json:"dtypes"`
}

func versionCmd() *cli.Command {
	var asJSON bool
	return &cli.Command{
		Name:  "version",
		Usage: "Print build and kernel information",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print as JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			r := versionReport{
				Info:      version.Resolve(),
				MaxSplits: kernelCfg.Geometry().MaxSplits,
				Stages:    combine.Stages,
				DTypes:    []string{"f32", "f16", "bf16"},
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(r)
			}
			fmt.Printf("version:    %s\n", version.String())
			if r.Commit != "" {
				fmt.Printf("commit:     %s\n", r.Commit)
			}
			if r.BuildTime != "" {
				fmt.Printf("build time: %s\n", r.BuildTime)
			}
			fmt.Printf("go:         %s\n", r.GoVersion)
			fmt.Printf("max splits: %d (%d-stage prefetch)\n", r.MaxSplits, r.Stages)
			fmt.Printf("dtypes:     %v\n", r.DTypes)
			return nil
		},
	}
}
