package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/rsxdalv/flash-attention/internal/api"
	"github.com/rsxdalv/flash-attention/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr          string
		readTimeout   time.Duration
		maxConcurrent int
		storeSize     int
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the combine REST API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.IntFlag{
				Name:        "max-concurrent",
				Usage:       "requests combined at once",
				Value:       2,
				Destination: &maxConcurrent,
			},
			&cli.IntFlag{
				Name:        "store-size",
				Usage:       "number of recent results kept for GET /v1/combine/:id",
				Value:       64,
				Destination: &storeSize,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, fileConfig, &addr, &maxConcurrent)

			service, err := api.NewCombineService(kernelCfg, maxConcurrent)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			server := api.NewServer(api.NewResultStore(storeSize), service)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "max_concurrent", maxConcurrent)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					// Request contexts carry the command's logger.
					srv.BaseContext = func(net.Listener) context.Context { return ctx }
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
