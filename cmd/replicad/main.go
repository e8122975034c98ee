package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"mine-and-die/replication/internal/app"
	"mine-and-die/replication/internal/config"
	"mine-and-die/replication/internal/demo"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to a config file (yaml, json or toml)")
		kind        = flag.String("transport", "", "override transport.kind (ws, quic, loopback)")
		addr        = flag.String("addr", "", "override transport.addr")
		metrics     = flag.Bool("metrics", false, "enable the Prometheus exporter")
		population  = flag.Int("population", demo.DefaultConfig().Population, "number of demo actors")
		churn       = flag.Float64("churn", demo.DefaultConfig().Churn, "chance per tick that an actor is replaced")
		seed        = flag.Int64("seed", demo.DefaultConfig().Seed, "demo world seed")
		viewers     = flag.Int("viewers", 1, "in-process viewers for the loopback transport")
		statusEvery = flag.Uint64("status-every", 75, "log a status line every N ticks (0 disables)")
	)
	flag.Parse()

	overrides := map[string]any{}
	if *kind != "" {
		overrides["transport.kind"] = *kind
	}
	if *addr != "" {
		overrides["transport.addr"] = *addr
	}
	if *metrics {
		overrides["metrics.enabled"] = true
	}
	cfg, err := config.Load(*configPath, overrides)
	if err != nil {
		log.Fatalf("%v", err)
	}

	world := demo.DefaultConfig()
	world.Population = *population
	world.Churn = *churn
	world.Seed = *seed

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.RunServer(ctx, cfg, app.ServerOptions{World: world, Viewers: *viewers, StatusEvery: *statusEvery}); err != nil {
		log.Fatalf("%v", err)
	}
}
