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
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a config file (yaml, json or toml)")
		kind       = flag.String("transport", "", "override transport.kind (ws, quic)")
		addr       = flag.String("addr", "", "override transport.addr")
		insecure   = flag.Bool("insecure", false, "accept self-signed QUIC certificates")
		status     = flag.Bool("status", true, "log the mirror state periodically")
	)
	flag.Parse()

	overrides := map[string]any{}
	if *kind != "" {
		overrides["transport.kind"] = *kind
	}
	if *addr != "" {
		overrides["transport.addr"] = *addr
	}
	if *insecure {
		overrides["transport.insecure_skip_verify"] = true
	}
	cfg, err := config.Load(*configPath, overrides)
	if err != nil {
		log.Fatalf("%v", err)
	}

	opts := app.ClientOptions{}
	if *status {
		opts.StatusEvery = 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.RunClient(ctx, cfg, opts); err != nil {
		log.Fatalf("%v", err)
	}
}
