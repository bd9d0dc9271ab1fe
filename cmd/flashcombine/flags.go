package main

import (
	"github.com/urfave/cli/v3"

	"github.com/rsxdalv/flash-attention/internal/combine"
)

var (
	configFile string
	kernelCfg  = combine.DefaultConfig()
	logLevel   string
	logFormat  string
	debug      bool
)

func kernelFlags() []cli.Flag {
	def := combine.DefaultConfig()
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "block-m",
			Usage:       "query rows per compute unit (multiple of 8)",
			Value:       def.BlockM,
			Destination: &kernelCfg.BlockM,
		},
		&cli.IntFlag{
			Name:        "head-dim",
			Usage:       "largest head dimension the kernel serves (multiple of 32)",
			Value:       def.HeadDim,
			Destination: &kernelCfg.HeadDim,
		},
		&cli.IntFlag{
			Name:        "log-max-splits",
			Usage:       "log2 of the largest supported split count",
			Value:       def.LogMaxSplits,
			Destination: &kernelCfg.LogMaxSplits,
		},
		&cli.IntFlag{
			Name:        "lanes",
			Usage:       "lanes per compute unit (power of two)",
			Value:       def.Lanes,
			Destination: &kernelCfg.Lanes,
		},
		&cli.IntFlag{
			Name:        "alignment-lse",
			Usage:       "guaranteed alignment of sequence lengths and offsets, in elements",
			Value:       def.AlignmentLSE,
			Destination: &kernelCfg.AlignmentLSE,
		},
		&cli.IntFlag{
			Name:        "workers",
			Usage:       "compute units running at once (0 = GOMAXPROCS)",
			Destination: &kernelCfg.Workers,
		},
		&cli.IntFlag{
			Name:        "copy-workers",
			Usage:       "goroutines serving async partial-output copies (0 = 2)",
			Destination: &kernelCfg.CopyWorkers,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func globalFlags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default: $XDG_CONFIG_HOME/flashcombine/config.yaml)",
			Destination: &configFile,
		},
	}
	flags = append(flags, kernelFlags()...)
	return append(flags, loggingFlags()...)
}
