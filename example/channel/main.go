package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

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

	watcher, updates, closeUpdates := fleetlog.NewChannelWatcher("dashboard", 32)
	defer closeUpdates()
	m.Watch(watcher)

	go dashboard("fleet", updates)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := m.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("materializer exited: %v", err)
	}
}

func dashboard(name string, updates <-chan fleetlog.Update) {
	for u := range updates {
		if u.State == nil {
			continue
		}
		fmt.Printf("[%s] %d processes, lag %d at %s\n",
			name, u.State.Stats.Processes, u.State.Stats.LagHybrid, time.Now().Format(time.RFC3339))
	}
}
