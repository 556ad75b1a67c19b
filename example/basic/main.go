package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/ghalamif/fleetlog"
)

func main() {
	cfg, err := fleetlog.LoadConfig("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	m, err := fleetlog.NewMaterializer(cfg)
	if err != nil {
		log.Fatalf("materializer: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := m.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("materializer exited: %v", err)
	}
}
