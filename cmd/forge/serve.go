package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-forge/internal/engine"
	"github.com/23skdu/longbow-forge/internal/logger"
	"github.com/23skdu/longbow-forge/internal/monitoring"
	"github.com/23skdu/longbow-forge/internal/tensorflight"
)

func serveMetricsCmd() *cli.Command {
	var addr string
	return &cli.Command{
		Name:  "serve-metrics",
		Usage: "Expose health, status and Prometheus metrics over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "listen address (default: metrics_addr from config)", Destination: &addr},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if addr == "" {
				addr = cfg.MetricsAddr
			}
			hm := monitoring.NewHealthMonitor(cfg.DevicePriority)
			if err := hm.Start(addr); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			<-ctx.Done()
			stopMonitor(hm)
			return nil
		},
	}
}

func stopMonitor(hm *monitoring.HealthMonitor) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hm.Stop(ctx); err != nil {
		logger.Log.Warn("Health monitor shutdown", "error", err)
	}
}

func serveWeightsCmd() *cli.Command {
	var addr string
	flags := append([]cli.Flag{}, modelFlags()...)
	flags = append(flags,
		&cli.StringFlag{Name: "addr", Usage: "listen address (default: flight_addr from config, then localhost:8815)", Destination: &addr},
	)
	return &cli.Command{
		Name:  "serve-weights",
		Usage: "Serve randomly initialized model weights over Arrow Flight",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if addr == "" {
				addr = cfg.FlightAddr
			}
			if addr == "" {
				addr = "localhost:8815"
			}
			mc := modelConfig()
			if err := mc.Validate(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			srv := tensorflight.NewServer(nil)
			for _, w := range engine.RandomWeights(mc, seed) {
				if err := srv.Add(w); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			}
			if err := srv.Start(addr); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			logger.Log.Info("Serving weights",
				"addr", srv.Addr().String(),
				"tensors", len(srv.Names()),
				"int8", mc.Int8)

			<-ctx.Done()
			srv.Stop()
			return nil
		},
	}
}
