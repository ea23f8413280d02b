package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/k210dev/kpu/internal/emu"
	"github.com/k210dev/kpu/internal/logger"
	"github.com/k210dev/kpu/pkg/kmodel"
	"github.com/k210dev/kpu/pkg/kpu"
)

func runCmd() *cli.Command {
	var (
		modelPath string
		inputPath string
		timeout   time.Duration
		debug     bool
		asJSON    bool
		logLevel  string
		logFormat string
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run one inference on the emulated KPU",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to .kmodel file",
				Required:    true,
				Destination: &modelPath,
			},
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "path to raw input tensor bytes",
				Required:    true,
				Destination: &inputPath,
			},
			&cli.DurationFlag{
				Name:        "timeout",
				Usage:       "per-layer completion timeout (0 = wait forever)",
				Value:       10 * time.Second,
				Destination: &timeout,
			},
			&cli.BoolFlag{
				Name:        "debug",
				Usage:       "log per-layer dispatch timings",
				Destination: &debug,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "dump outputs as JSON instead of hex",
				Destination: &asJSON,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Value:       "info",
				Destination: &logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Value:       "pretty",
				Destination: &logFormat,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyConfig(cmd, LoadConfig(), &logLevel, &logFormat)
			if debug && !cmd.IsSet("log-level") {
				logLevel = "debug"
			}
			log := newLogger(logFormat, logLevel)

			container, err := kmodel.Open(modelPath)
			if err != nil {
				return fmt.Errorf("open model: %w", err)
			}
			defer func() { _ = container.Close() }()

			input, err := os.ReadFile(inputPath)
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}

			em := emu.New()
			dev := kpu.NewDevice(em.Regs(), em.DMA(), em.IRQ(), em.Clock(), em.Bus(), kpu.Config{
				WaitTimeout: timeout,
				Debug:       debug,
				Logger:      log,
			})
			dev.Open()
			defer dev.Close()

			m, err := dev.LoadModel(container.Data)
			if err != nil {
				return fmt.Errorf("load model: %w", err)
			}
			defer m.Release()
			if err := m.ValidateLayers(); err != nil {
				return err
			}

			start := time.Now()
			if err := dev.Run(ctx, m, input); err != nil {
				return fmt.Errorf("run: %w", err)
			}
			log.Info("inference complete", "layers", container.Header.LayersLength, "elapsed", time.Since(start))

			return dumpOutputs(dev, m, asJSON)
		},
	}
}

func dumpOutputs(dev *kpu.Device, m *kpu.Model, asJSON bool) error {
	if asJSON {
		outs := make([]map[string]any, m.OutputCount())
		for i := range outs {
			data, err := dev.Output(m, i)
			if err != nil {
				return err
			}
			outs[i] = map[string]any{
				"index": i,
				"size":  len(data),
				"data":  base64.StdEncoding.EncodeToString(data),
			}
		}
		b, err := json.MarshalIndent(map[string]any{"outputs": outs}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	}

	for i := 0; i < m.OutputCount(); i++ {
		data, err := dev.Output(m, i)
		if err != nil {
			return err
		}
		fmt.Printf("output %d (%d bytes): % x\n", i, len(data), data)
	}
	return nil
}

func newLogger(format, level string) logger.Logger {
	lvl := logger.ParseLevel(level)
	switch format {
	case "json":
		return logger.JSON(os.Stderr, lvl)
	case "text":
		return logger.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	default:
		return logger.Pretty(os.Stderr, lvl)
	}
}
