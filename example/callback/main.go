package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/ghalamif/fleetlog/pkg/fleetlog"
)

// Runs a worker and the materializer in one process on the in-memory
// transport and prints the fleet totals after every publish.
func main() {
	cfg := fleetlog.DefaultConfig()
	cfg.Metrics.Addr = ""
	cfg.Reporting.Interval = time.Second
	cfg.Materializer.FlushInterval = time.Second

	broker := fleetlog.NewMemoryBroker(cfg)
	agent, err := fleetlog.NewAgent(cfg, fleetlog.WithMemoryBroker(broker))
	if err != nil {
		log.Fatalf("agent: %v", err)
	}
	m, err := fleetlog.NewMaterializer(cfg, fleetlog.WithMemoryBroker(broker))
	if err != nil {
		log.Fatalf("materializer: %v", err)
	}

	m.Watch(fleetlog.NewCallbackWatcher("stdout", func(u fleetlog.Update) error {
		if u.State == nil {
			return nil
		}
		fmt.Printf("%s processes=%d messages=%d utilization=%.1f%%\n",
			time.Unix(int64(u.State.DispatchedAt), 0).Format(time.RFC3339),
			u.State.Stats.Processes,
			u.State.Stats.Totals.Messages,
			u.State.Stats.Utilization,
		)
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go work(ctx, agent.Tracker())
	go func() {
		if err := agent.Run(ctx); err != nil {
			log.Printf("agent exited: %v", err)
		}
	}()

	if err := m.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("materializer exited: %v", err)
	}
}

func work(ctx context.Context, t *fleetlog.Tracker) {
	t.SetWorkers(1)
	for i := 0; ctx.Err() == nil; i++ {
		id := fmt.Sprintf("job-%d", i)
		t.JobStarted(fleetlog.Job{ID: id})
		took := time.Duration(50+rand.Intn(100)) * time.Millisecond
		time.Sleep(took)
		t.JobFinished(id, 1+rand.Intn(20), took)
	}
}
