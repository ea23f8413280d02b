package main

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/k210dev/kpu/pkg/kmodel"
)

func inspectCmd() *cli.Command {
	var (
		modelPath string
		asJSON    bool
		maxLayers int64
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Print kmodel structure",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to .kmodel file",
				Required:    true,
				Destination: &modelPath,
			},
			&cli.BoolFlag{
				Name:        "json",
				Destination: &asJSON,
			},
			&cli.Int64Flag{
				Name:        "layers",
				Usage:       "number of layers to list (-1 for all)",
				Value:       -1,
				Destination: &maxLayers,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			m, err := kmodel.Open(modelPath)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			if asJSON {
				return printJSON(m)
			}

			h := m.Header
			fmt.Printf("File: %s\n", modelPath)
			fmt.Printf("kmodel v%d | arch=%d | layers=%d | outputs=%d | main_mem=%d | 8bit=%v\n",
				h.Version, h.Arch, h.LayersLength, h.OutputCount, h.MainMemUsage, h.EightBitMode())

			for i, o := range m.Outputs {
				fmt.Printf("output %d: offset=%d size=%d\n", i, o.Address, o.Size)
			}

			limit := len(m.LayerHeaders)
			if maxLayers >= 0 && int(maxLayers) < limit {
				limit = int(maxLayers)
			}
			for i := 0; i < limit; i++ {
				lh := m.LayerHeaders[i]
				fmt.Printf("layer %3d: %-16s body=%d\n", i, lh.Type.String(), lh.BodySize)
			}
			if limit < len(m.LayerHeaders) {
				fmt.Printf("... %d more layers\n", len(m.LayerHeaders)-limit)
			}
			return nil
		},
	}
}

func printJSON(m *kmodel.Model) error {
	type layerInfo struct {
		Index    int    `json:"index"`
		Type     string `json:"type"`
		BodySize uint32 `json:"body_size"`
	}
	layers := make([]layerInfo, len(m.LayerHeaders))
	for i, lh := range m.LayerHeaders {
		layers[i] = layerInfo{Index: i, Type: lh.Type.String(), BodySize: lh.BodySize}
	}
	b, err := json.MarshalIndent(map[string]any{
		"header":  m.Header,
		"outputs": m.Outputs,
		"layers":  layers,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
