package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/k210dev/kpu/internal/api"
	"github.com/k210dev/kpu/internal/emu"
	"github.com/k210dev/kpu/pkg/kpu"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		timeout     time.Duration
		logLevel    string
		logFormat   string
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the inference REST API on the emulated KPU",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.DurationFlag{
				Name:        "timeout",
				Usage:       "per-layer completion timeout",
				Value:       10 * time.Second,
				Destination: &timeout,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Value:       "info",
				Destination: &logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Value:       "json",
				Destination: &logFormat,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := LoadConfig()
			applyConfig(cmd, cfg, &logLevel, &logFormat)
			applyServeConfig(cmd, cfg, &addr)
			log := newLogger(logFormat, logLevel)

			em := emu.New()
			dev := kpu.NewDevice(em.Regs(), em.DMA(), em.IRQ(), em.Clock(), em.Bus(), kpu.Config{
				WaitTimeout: timeout,
				Logger:      log,
			})
			dev.Open()
			defer dev.Close()

			server := api.NewServer(dev, api.NewModelStore(), log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			srv := &http.Server{
				Addr:        addr,
				Handler:     e,
				ReadTimeout: readTimeout,
			}
			log.Info("listening", "addr", addr)
			return srv.ListenAndServe()
		},
	}
}
