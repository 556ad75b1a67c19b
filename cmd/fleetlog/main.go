package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ghalamif/fleetlog"
	"github.com/ghalamif/fleetlog/internal/adapters/validation"
	"github.com/ghalamif/fleetlog/internal/domain"
)

const defaultConfig = "./data/config.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "materialize":
		err = materializeCommand(os.Args[2:])
	case "agent":
		err = agentCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "show":
		err = showCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("fleetlog %s: %v", cmd, err)
	}
}

func parse(fs *pflag.FlagSet, args []string) error {
	err := fs.Parse(args)
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	return err
}

func materializeCommand(args []string) error {
	fs := pflag.NewFlagSet("materialize", pflag.ContinueOnError)
	cfgPath := fs.StringP("config", "c", defaultConfig, "Path to configuration file")
	if err := parse(fs, args); err != nil {
		return err
	}

	cfg, err := fleetlog.LoadConfig(*cfgPath)
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	m, err := fleetlog.NewMaterializer(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return m.Run(ctx)
}

// agentCommand reports on this CLI process itself. It is meant for smoke
// testing a deployment end to end.
func agentCommand(args []string) error {
	fs := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	cfgPath := fs.StringP("config", "c", defaultConfig, "Path to configuration file")
	id := fs.String("id", "", "Process id to report as (default hostname:pid:random)")
	tags := fs.StringSlice("tag", nil, "Tag to attach to every report (repeatable)")
	if err := parse(fs, args); err != nil {
		return err
	}

	cfg, err := fleetlog.LoadConfig(*cfgPath)
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	if *id != "" {
		cfg.Process.ID = *id
	}
	cfg.Process.Tags = append(cfg.Process.Tags, *tags...)

	agent, err := fleetlog.NewAgent(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("reporting as %s every %s (Ctrl+C to stop)\n", cfg.Process.ID, cfg.Reporting.Interval)
	return agent.Run(ctx)
}

func validateCommand(args []string) error {
	fs := pflag.NewFlagSet("validate", pflag.ContinueOnError)
	cfgPath := fs.StringP("config", "c", defaultConfig, "Path to configuration file to validate")
	reportPath := fs.String("report", "", "Also validate a JSON report file")
	if err := parse(fs, args); err != nil {
		return err
	}

	if _, err := fleetlog.LoadConfig(*cfgPath); err != nil {
		return err
	}
	fmt.Printf("config %s looks good\n", *cfgPath)

	if *reportPath == "" {
		return nil
	}
	raw, err := os.ReadFile(*reportPath)
	if err != nil {
		return err
	}
	var rep domain.Report
	if err := json.Unmarshal(raw, &rep); err != nil {
		return errors.Wrapf(err, "decode %s", *reportPath)
	}
	if err := validation.NewReports().ValidateReport(&rep); err != nil {
		return err
	}
	fmt.Printf("report %s from %s looks good\n", *reportPath, rep.Process.ID)
	return nil
}

func showCommand(args []string) error {
	fs := pflag.NewFlagSet("show", pflag.ContinueOnError)
	cfgPath := fs.StringP("config", "c", defaultConfig, "Path to configuration file")
	metrics := fs.Bool("metrics", false, "Print the metrics document instead of the state")
	timeout := fs.Duration("timeout", 10*time.Second, "Give up after this long")
	if err := parse(fs, args); err != nil {
		return err
	}

	cfg, err := fleetlog.LoadConfig(*cfgPath)
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	l, closeLog, err := fleetlog.OpenLog(ctx, cfg, fleetlog.Subscription{}, zap.NewNop())
	if err != nil {
		return err
	}
	defer closeLog()

	r := fleetlog.NewReader(l, fleetlog.DocumentTopics{States: cfg.Topics.States, Metrics: cfg.Topics.Metrics})
	var doc any
	if *metrics {
		doc, err = r.Metrics(ctx)
	} else {
		doc, err = r.State(ctx)
	}
	if errors.Is(err, fleetlog.ErrMissingDocument) {
		return errors.Wrap(err, "no materializer has published yet")
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func statsCommand(args []string) error {
	fs := pflag.NewFlagSet("stats", pflag.ContinueOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Materializer metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := parse(fs, args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(ctx, *url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

var snapshotMetrics = []string{
	"fleetlog_processes",
	"fleetlog_reports_folded_total",
	"fleetlog_reports_skipped_total",
	"fleetlog_lag_hybrid",
}

func printMetricsSnapshot(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	values := map[string]float64{}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for _, key := range snapshotMetrics {
			if strings.HasPrefix(line, key+" ") {
				var value float64
				if _, err := fmt.Sscanf(line, key+" %g", &value); err == nil {
					values[key] = value
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Printf("[%s] processes=%.0f folded=%.0f skipped=%.0f lag=%.0f\n",
		time.Now().Format(time.RFC3339),
		values["fleetlog_processes"],
		values["fleetlog_reports_folded_total"],
		values["fleetlog_reports_skipped_total"],
		values["fleetlog_lag_hybrid"],
	)
	return nil
}

func printUsage() {
	fmt.Printf(`fleetlog CLI

Usage:
  fleetlog <command> [flags]

Commands:
  materialize  Fold reports into the canonical state and metrics documents
  agent        Report this process to the fleet (smoke test)
  validate     Load and validate a config file, optionally a report file
  show         Print the latest state or metrics document as JSON
  stats        Poll the materializer metrics endpoint and print live gauges

Examples:
  fleetlog materialize -c ./data/config.yaml
  fleetlog agent -c ./data/config.yaml --tag canary
  fleetlog validate -c ./data/config.yaml --report ./report.json
  fleetlog show -c ./data/config.yaml --metrics
  fleetlog stats --url http://localhost:9100/metrics --interval 1s
`)
}
