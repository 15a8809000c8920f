package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-forge/internal/npu"
)

func planCmd() *cli.Command {
	var k, m, cores int64
	return &cli.Command{
		Name:  "plan",
		Usage: "Show the NPU tiling chosen for a K×M weight",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "k", Usage: "output rows of the weight", Value: 4096, Destination: &k},
			&cli.Int64Flag{Name: "m", Usage: "input columns of the weight", Value: 4096, Destination: &m},
			&cli.Int64Flag{Name: "cores", Usage: "NPU cores (0 = configured value)", Destination: &cores},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if cores <= 0 {
				cores = int64(cfg.NPU.Cores)
			}
			plan, err := npu.NewPlanner(int(cores)).ConfigureKMRound(int(k), int(m))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			table := tablewriter.NewWriter(cmd.Root().Writer)
			table.SetHeader([]string{"K", "M", "CORES", "K TILE", "M TILE", "K ROUND", "M ROUND", "TILES"})
			table.SetBorder(false)
			table.Append([]string{
				strconv.Itoa(plan.K), strconv.Itoa(plan.M), strconv.FormatInt(cores, 10),
				strconv.Itoa(plan.KTile), strconv.Itoa(plan.MTile),
				strconv.Itoa(plan.KRound), strconv.Itoa(plan.MRound), strconv.Itoa(plan.Tiles()),
			})
			table.Render()
			return nil
		},
	}
}
