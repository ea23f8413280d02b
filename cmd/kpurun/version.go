package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/k210dev/kpu/internal/version"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the kpurun version",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Println("kpurun", version.String())
			return nil
		},
	}
}
