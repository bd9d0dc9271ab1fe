package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/rsxdalv/flash-attention/internal/logger"
)

// fileConfig is the parsed config file, loaded once before any command runs.
var fileConfig Config

func main() {
	app := &cli.Command{
		Name:   "flashcombine",
		Usage:  "Merge split-KV attention partials into final outputs",
		Flags:  globalFlags(),
		Before: setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			benchCmd(),
			generateCmd(),
			inspectCmd(),
			serveCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the config file and installs the logger in the context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: load config: %v", err), 1)
	}
	fileConfig = cfg
	applyKernelConfig(cmd, cfg, &kernelCfg)
	applyLoggingConfig(cmd, cfg)

	log, err := logger.FromOptions(os.Stderr, logger.Options{Format: logFormat, Level: logLevel, Debug: debug})
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	return logger.WithContext(ctx, log), nil
}
